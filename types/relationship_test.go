package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelationship_Merge(t *testing.T) {
	a := Relationship{SourceID: "s", TargetID: "t", Kind: DependsOn, Confidence: 0.5, Evidence: []string{"tag:owner"}}
	b := Relationship{SourceID: "s", TargetID: "t", Kind: DependsOn, Confidence: 0.9, Evidence: []string{"ref:managed_by", "tag:owner"}}

	ab := a.Merge(b)
	ba := b.Merge(a)

	assert.Equal(t, 0.9, ab.Confidence)
	assert.Equal(t, []string{"ref:managed_by", "tag:owner"}, ab.Evidence)
	assert.Equal(t, ab, ba)
}

func TestEdgeKey_Less(t *testing.T) {
	k1 := EdgeKey{SourceID: "a", TargetID: "b", Kind: Contains}
	k2 := EdgeKey{SourceID: "a", TargetID: "b", Kind: DependsOn}
	k3 := EdgeKey{SourceID: "a", TargetID: "c", Kind: Contains}

	assert.True(t, k1.Less(k2))
	assert.True(t, k2.Less(k3))
	assert.False(t, k3.Less(k1))
}
