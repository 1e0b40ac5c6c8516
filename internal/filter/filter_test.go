package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/types"
)

func vm(id, region string, tags map[string]string) types.RawResource {
	return types.RawResource{
		ID:     id,
		Type:   "Microsoft.Compute/virtualMachines",
		Region: region,
		Tags:   types.TagsFromMap(tags),
	}
}

func TestFilter_NoRestrictions(t *testing.T) {
	f, err := New(types.DiscoveryScope{})
	require.NoError(t, err)

	assert.True(t, f.IsEmpty())
	ok, err := f.AdmitResource(context.Background(), vm("vm1", "westeurope", nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter_TypesAndRegions(t *testing.T) {
	f, err := New(types.DiscoveryScope{
		ResourceTypes: []string{"microsoft.compute/virtualMachines"},
		Regions:       []string{"West Europe"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	ok, _ := f.AdmitResource(ctx, vm("vm1", "westeurope", nil))
	assert.True(t, ok)

	ok, _ = f.AdmitResource(ctx, vm("vm2", "eastus", nil))
	assert.False(t, ok)

	disk := vm("d1", "westeurope", nil)
	disk.Type = "Microsoft.Compute/disks"
	ok, _ = f.AdmitResource(ctx, disk)
	assert.False(t, ok)

	assert.True(t, f.ShouldScanType("MICROSOFT.COMPUTE/VIRTUALMACHINES"))
	assert.True(t, f.ShouldScanRegion(""))
}

func TestFilter_Tags(t *testing.T) {
	f, err := New(types.DiscoveryScope{Tags: map[string]string{"env": "prod"}},
		WithExcludeTags(map[string]string{"kartta:skip": "true"}))
	require.NoError(t, err)
	ctx := context.Background()

	ok, _ := f.AdmitResource(ctx, vm("vm1", "", map[string]string{"Env": "prod"}))
	assert.True(t, ok)

	ok, _ = f.AdmitResource(ctx, vm("vm2", "", map[string]string{"env": "dev"}))
	assert.False(t, ok)

	ok, _ = f.AdmitResource(ctx, vm("vm3", "", map[string]string{"env": "prod", "kartta:skip": "true"}))
	assert.False(t, ok)
}

func TestFilter_ExcludePatterns(t *testing.T) {
	f, err := New(types.DiscoveryScope{ExcludePatterns: []string{"*/resourcegroups/scratch-*"}})
	require.NoError(t, err)

	sub := types.SubscriptionUnitID("s1")
	assert.False(t, f.AdmitUnit(types.ResourceGroupUnit(sub, "Scratch-01")))
	assert.True(t, f.AdmitUnit(types.ResourceGroupUnit(sub, "prod")))
}

func TestFilter_PartitionUnits(t *testing.T) {
	f, err := New(types.DiscoveryScope{ResourceTypes: []string{"Microsoft.Web/sites"}})
	require.NoError(t, err)

	group := types.ResourceGroupUnit(types.SubscriptionUnitID("s1"), "rg")
	assert.True(t, f.AdmitUnit(types.PartitionUnit(group.ID, "Microsoft.Web/sites")))
	assert.False(t, f.AdmitUnit(types.PartitionUnit(group.ID, "Microsoft.Sql/servers")))
}

func TestFilter_BadPattern(t *testing.T) {
	_, err := New(types.DiscoveryScope{ExcludePatterns: []string{"[unclosed"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidScope))
}

const scratchPolicy = `package kartta

default admit := true

admit := false if {
	input.tags.env == "scratch"
}
`

func TestFilter_Policy(t *testing.T) {
	ctx := context.Background()
	p, err := NewPolicy(ctx, "scratch.rego", scratchPolicy)
	require.NoError(t, err)

	f, err := New(types.DiscoveryScope{}, WithPolicy(p))
	require.NoError(t, err)
	assert.False(t, f.IsEmpty())

	ok, err := f.AdmitResource(ctx, vm("vm1", "", map[string]string{"env": "scratch"}))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.AdmitResource(ctx, vm("vm2", "", map[string]string{"env": "prod"}))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewPolicy_CompileError(t *testing.T) {
	_, err := NewPolicy(context.Background(), "bad.rego", "package kartta\nadmit := ")
	assert.Error(t, err)
}
