package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/types"
)

func TestStatic_Paging(t *testing.T) {
	s := NewStatic("fixture", 2)
	group := types.ResourceGroupUnit(types.SubscriptionUnitID("s1"), "rg1")
	part := types.PartitionUnit(group.ID, "Microsoft.Web/sites")
	s.AddUnit(part)
	for i := 0; i < 5; i++ {
		s.AddResource(group.ID, types.RawResource{ID: fmt.Sprintf("r%d", i), Type: "t"})
	}

	ctx := context.Background()
	var got []string
	token := ""
	pages := 0
	for {
		page, err := s.List(ctx, group, token)
		require.NoError(t, err)
		if pages == 0 {
			require.Len(t, page.Children, 1)
			assert.Equal(t, part.ID, page.Children[0].ID)
		} else {
			assert.Empty(t, page.Children)
		}
		for _, r := range page.Resources {
			assert.Equal(t, group.ID, r.UnitID)
			got = append(got, r.ID)
		}
		pages++
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, got)
	assert.Equal(t, 3, s.Calls(group.ID))
}

func TestStatic_Faults(t *testing.T) {
	s := NewStatic("fixture", 10)
	unit := types.SubscriptionUnit("", "s1")
	boom := &ThrottleError{RetryAfter: time.Second, Err: errors.New("429")}
	s.Fail(unit.ID, boom, 2)

	ctx := context.Background()
	_, err := s.List(ctx, unit, "")
	assert.ErrorIs(t, err, boom)
	_, err = s.List(ctx, unit, "")
	assert.ErrorIs(t, err, boom)
	_, err = s.List(ctx, unit, "")
	assert.NoError(t, err)
}

func TestStatic_InvalidToken(t *testing.T) {
	s := NewStatic("fixture", 10)
	_, err := s.List(context.Background(), types.SubscriptionUnit("", "s1"), "abc")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  types.ErrorKind
		wantAfter time.Duration
	}{
		{"throttle", fmt.Errorf("list: %w", &ThrottleError{RetryAfter: 3 * time.Second}), types.KindTransientSource, 3 * time.Second},
		{"permission", &PermissionError{Err: errors.New("403")}, types.KindPermissionDenied, 0},
		{"auth", &AuthError{Err: errors.New("401")}, types.KindCredential, 0},
		{"sentinel permission", fmt.Errorf("x: %w", types.ErrPermissionDenied), types.KindPermissionDenied, 0},
		{"unknown", errors.New("connection reset"), types.KindTransientSource, 0},
		{"nil", nil, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, after := Classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantAfter, after)
		})
	}

	assert.True(t, IsThrottle(&ThrottleError{}))
	assert.True(t, IsContextError(fmt.Errorf("x: %w", context.Canceled)))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewStatic("fixture", 1), NewStatic("azure", 1))

	l, err := r.Get("azure")
	require.NoError(t, err)
	assert.Equal(t, "azure", l.Name())
	assert.Equal(t, []string{"azure", "fixture"}, r.Names())

	_, err = r.Get("gcp")
	assert.Error(t, err)
}

const fixtureYAML = `
provider: fixture
tenant: t1
page_size: 1
subscriptions:
  - id: sub-1
    groups:
      - name: rg-b
        deny: true
      - name: rg-a
        location: westeurope
        resources:
          - id: /subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/virtualMachines/vm1
            type: Microsoft.Compute/virtualMachines
            name: vm1
            tags: {owner: team-a}
            props:
              managedBy: /subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/virtualMachineScaleSets/ss
`

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o600))

	s, err := LoadFixture(path)
	require.NoError(t, err)
	ctx := context.Background()

	tenant := types.TenantUnit("t1")
	page, err := s.List(ctx, tenant, "")
	require.NoError(t, err)
	require.Len(t, page.Children, 1)
	sub := page.Children[0]
	assert.Equal(t, tenant.ID, sub.ParentID)

	page, err = s.List(ctx, sub, "")
	require.NoError(t, err)
	require.Len(t, page.Children, 2)
	assert.Equal(t, "rg-a", page.Children[0].Name)
	assert.Equal(t, "westeurope", page.Children[0].Attr("location"))

	page, err = s.List(ctx, page.Children[0], "")
	require.NoError(t, err)
	require.Len(t, page.Resources, 1)
	vm := page.Resources[0]
	assert.Equal(t, "team-a", vm.Tags.Get("owner"))
	require.Len(t, vm.Refs, 1)
	assert.Equal(t, types.RefManagedBy, vm.Refs[0].Field)

	_, err = s.List(ctx, types.ResourceGroupUnit(sub.ID, "rg-b"), "")
	kind, _ := Classify(err)
	assert.Equal(t, types.KindPermissionDenied, kind)
}
