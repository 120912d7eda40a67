package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// Engine is the OPA policy engine that resolves the access level a
// principal's roles confer on a resource.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Input is the document the policy is evaluated against.
type Input struct {
	Principal InputPrincipal `json:"principal"`
	Resource  InputResource  `json:"resource"`
	Required  string         `json:"required"`
}

type InputPrincipal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

type InputResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.session_access.level.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.session_access.level"),
		rego.Module("session_access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the access level the policy grants for input. An
// undefined result means no access.
func (e *Engine) Evaluate(ctx context.Context, input Input) (domain.AccessLevel, error) {
	roles := make([]string, 0, len(input.Principal.Roles))
	for _, r := range input.Principal.Roles {
		roles = append(roles, strings.ToLower(r))
	}
	input.Principal.Roles = roles

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.AccessNone, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.AccessNone, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return domain.AccessNone, fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return domain.ParseAccessLevel(s)
}

// DefaultPolicy grants the admin level to operator roles and nothing to
// anyone else.
const DefaultPolicy = `
package session_access

default level = "none"

operator_roles := {"admin", "system"}

level = "admin" {
	operator_roles[input.principal.roles[_]]
}
`
