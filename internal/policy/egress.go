// Package policy evaluates the egress allow/deny decision for outbound
// requests using an embedded OPA instance. A denied destination fails before
// any network I/O with a permanent error.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

const defaultQuery = "data.vastar.egress.allow"

// prepare parses module as Rego v1 and prepares the egress query. Parsing
// explicitly keeps v1 syntax working on the legacy rego entry points.
func prepare(ctx context.Context, module string) (rego.PreparedEvalQuery, error) {
	parsed, err := ast.ParseModuleWithOpts("egress.rego", module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("parse egress policy: %w", err)
	}
	return rego.New(
		rego.Query(defaultQuery),
		rego.ParsedModule(parsed),
	).PrepareForEval(ctx)
}

// Input is the document handed to the policy for each request.
type Input struct {
	Host        string `json:"host"`
	Method      string `json:"method"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
}

// Gate wraps a prepared Rego query. The zero-value (nil) gate allows
// everything, so deployments without a policy module skip evaluation.
type Gate struct {
	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery
}

// NewGate compiles module (Rego source) and prepares the egress query.
// An empty module yields a nil gate, meaning allow-all.
func NewGate(ctx context.Context, module string) (*Gate, error) {
	if strings.TrimSpace(module) == "" {
		return nil, nil
	}

	prepared, err := prepare(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("prepare egress policy: %w", err)
	}

	return &Gate{prepared: prepared}, nil
}

// Allow evaluates the policy for input. Undefined decisions deny, so a module
// that never sets allow rejects all egress.
func (g *Gate) Allow(ctx context.Context, input Input) (bool, error) {
	if g == nil {
		return true, nil
	}

	g.mu.RLock()
	prepared := g.prepared
	g.mu.RUnlock()

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate egress policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("egress policy returned non-boolean decision %T", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// Update swaps in a newly compiled module, used by config hot-reload.
func (g *Gate) Update(ctx context.Context, module string) error {
	if g == nil {
		return fmt.Errorf("cannot update nil policy gate")
	}

	prepared, err := prepare(ctx, module)
	if err != nil {
		return fmt.Errorf("prepare egress policy: %w", err)
	}

	g.mu.Lock()
	g.prepared = prepared
	g.mu.Unlock()
	return nil
}
