package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"enterprise-auth/backend/internal/rbac/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

const denyQuery = "data.auth.resource.deny"

// Default resource rules. Extra modules in the same package may add deny rules.
const defaultRules = `package auth.resource

default deny := false

owner if {
	input.resource.owner_id != ""
	input.resource.owner_id == input.user.id
}

granted if {
	some p in input.resource.grants[input.user.id]
	p == input.permission
}

deny if {
	input.resource.restricted
	not owner
	not granted
}

deny if {
	some id in input.resource.denied
	id == input.user.id
}
`

// ruleEvaluator evaluates resource rules with OPA. Modules are compiled once.
type ruleEvaluator struct {
	query rego.PreparedEvalQuery
}

func newRuleEvaluator(ctx context.Context, extra []string) (*ruleEvaluator, error) {
	modules := map[string]string{"resource_0.rego": defaultRules}
	for i, m := range extra {
		modules[fmt.Sprintf("resource_%d.rego", i+1)] = m
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile resource rules: %w", err)
	}
	pq, err := rego.New(
		rego.Query(denyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare resource rules: %w", err)
	}
	return &ruleEvaluator{query: pq}, nil
}

// denies reports whether any rule refuses user the permission on res.
func (e *ruleEvaluator) denies(ctx context.Context, user *userdomain.User, permission string, res *domain.Resource) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(user, permission, res)))
	if err != nil {
		return false, fmt.Errorf("eval resource rules: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, errors.New("resource rules returned no result")
	}
	deny, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("resource rules returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return deny, nil
}

// HealthCheck evaluates the rules against a minimal input.
func (e *ruleEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.denies(ctx, &userdomain.User{ID: "health"}, "health:check", &domain.Resource{Type: "health"})
	return err
}

func buildInput(user *userdomain.User, permission string, res *domain.Resource) map[string]any {
	grants := map[string]any{}
	for uid, perms := range res.Grants {
		list := make([]any, len(perms))
		for i, p := range perms {
			list[i] = p
		}
		grants[uid] = list
	}
	denied := make([]any, len(res.Denied))
	for i, id := range res.Denied {
		denied[i] = id
	}
	attrs := map[string]any{}
	for k, v := range res.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"permission": permission,
		"user": map[string]any{
			"id":        user.ID,
			"clearance": user.Clearance.String(),
			"roles":     toAny(user.Roles),
		},
		"resource": map[string]any{
			"type":               res.Type,
			"id":                 res.ID,
			"owner_id":           res.OwnerID,
			"required_clearance": res.RequiredClearance.String(),
			"restricted":         res.Restricted,
			"grants":             grants,
			"denied":             denied,
			"attributes":         attrs,
		},
	}
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
