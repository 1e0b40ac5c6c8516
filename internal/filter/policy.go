package filter

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/kartta/types"
)

// AdmitQuery is the rule an admission policy must define. An undefined
// result admits the resource.
const AdmitQuery = "data.kartta.admit"

// Policy is a compiled Rego admission policy.
type Policy struct {
	name  string
	query rego.PreparedEvalQuery
}

// NewPolicy compiles a Rego module.
func NewPolicy(ctx context.Context, name, module string) (*Policy, error) {
	query := rego.New(
		rego.Query(AdmitQuery),
		rego.Module(name, module),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	return &Policy{name: name, query: prepared}, nil
}

// LoadPolicy compiles a Rego module from disk.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewPolicy(ctx, path, string(data))
}

// Name returns the module name.
func (p *Policy) Name() string { return p.name }

// Admit evaluates the policy for one resource.
func (p *Policy) Admit(ctx context.Context, r types.RawResource) (bool, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(policyInput(r)))
	if err != nil {
		return false, fmt.Errorf("evaluate policy %s: %w", p.name, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return true, nil
	}
	admit, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy %s: %s is not a boolean", p.name, AdmitQuery)
	}
	return admit, nil
}

func policyInput(r types.RawResource) map[string]any {
	tags := make(map[string]any, len(r.Tags))
	for k, v := range r.Tags {
		tags[k] = v
	}
	return map[string]any{
		"id":       r.ID,
		"type":     r.Type,
		"name":     r.Name,
		"region":   r.Region,
		"unit_id":  r.UnitID,
		"provider": r.Provider,
		"tags":     tags,
	}
}
