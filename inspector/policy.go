package inspector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/tarkka/types"
)

// PolicyQuery is the rule every policy module must define: a set of instance
// ids (or objects with an "id" field) that violate the policy.
const PolicyQuery = "data.tarkka.deny"

// RecordLoader supplies the records a policy is evaluated against.
type RecordLoader func(ctx context.Context) ([]types.ResourceRecord, error)

// PolicyInspector evaluates a Rego module over stored records.
type PolicyInspector struct {
	name  string
	query rego.PreparedEvalQuery
	load  RecordLoader
}

type policyInput struct {
	Records []types.ResourceRecord `json:"records"`
}

// NewPolicyInspector compiles module. Compile errors are returned here, not from Run.
func NewPolicyInspector(ctx context.Context, name, module string, load RecordLoader) (*PolicyInspector, error) {
	prepared, err := rego.New(
		rego.Query(PolicyQuery),
		rego.Module(name+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	return &PolicyInspector{name: name, query: prepared, load: load}, nil
}

// Run evaluates the policy.
func (p *PolicyInspector) Run(ctx context.Context) Result {
	records, err := p.load(ctx)
	if err != nil {
		return Failed(fmt.Sprintf("policy %s: load records: %v", p.name, err))
	}
	if len(records) == 0 {
		return Normal(fmt.Sprintf("policy %s: no records to evaluate", p.name))
	}

	input, err := toInput(records)
	if err != nil {
		return Failed(fmt.Sprintf("policy %s: build input: %v", p.name, err))
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Failed(fmt.Sprintf("policy %s: eval: %v", p.name, err))
	}

	denied := deniedIDs(rs)
	if len(denied) == 0 {
		return Normal(fmt.Sprintf("policy %s: %d records compliant", p.name, len(records)))
	}

	var flagged []types.ResourceRecord
	for _, r := range records {
		if denied[r.InstanceID] {
			flagged = append(flagged, r)
		}
	}
	return Exception(fmt.Sprintf("policy %s: %d records in violation", p.name, len(flagged)), flagged...)
}

// toInput round-trips through JSON so OPA sees plain maps and slices.
func toInput(records []types.ResourceRecord) (map[string]any, error) {
	data, err := json.Marshal(policyInput{Records: records})
	if err != nil {
		return nil, err
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, err
	}
	return input, nil
}

func deniedIDs(rs rego.ResultSet) map[string]bool {
	ids := make(map[string]bool)
	for _, result := range rs {
		for _, expr := range result.Expressions {
			items, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				switch v := item.(type) {
				case string:
					ids[v] = true
				case map[string]any:
					if id, ok := v["id"].(string); ok {
						ids[id] = true
					}
				}
			}
		}
	}
	return ids
}
