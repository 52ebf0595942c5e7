// Package policy implements an optional CEL-based allow/deny gate on
// tools/call, layered on top of the shared-secret auth gate. It is off
// by default: an empty rule set passes every call.
package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/aviary-mcp/proxy/internal/config"
)

// Limits mirror the guards a policy evaluator needs against a
// maliciously or accidentally expensive rule expression.
const (
	maxExpressionLength = 1024
	maxCostBudget       = 100_000
	maxNestingDepth     = 50
	evalTimeout         = 5 * time.Second
	interruptCheckFreq  = 100
)

type compiledRule struct {
	name    string
	action  string
	program cel.Program
}

// Gate evaluates tools/call requests against an ordered list of CEL
// rules; the first matching rule's action decides allow or deny.
type Gate struct {
	env   *cel.Env
	rules []compiledRule
}

// NewGate compiles every rule and returns a Gate, or an error naming the
// first rule that fails validation.
func NewGate(rules []config.PolicyRule) (*Gate, error) {
	env, err := newEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy: building CEL environment: %w", err)
	}

	g := &Gate{env: env}
	for _, rule := range rules {
		compiled, err := g.compile(rule)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.Name, err)
		}
		g.rules = append(g.rules, compiled)
	}
	return g, nil
}

// Enabled reports whether any rule is configured.
func (g *Gate) Enabled() bool { return g != nil && len(g.rules) > 0 }

func newEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("server", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					n, _ := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

func (g *Gate) compile(rule config.PolicyRule) (compiledRule, error) {
	expr := rule.Condition
	if len(expr) == 0 {
		return compiledRule{}, fmt.Errorf("empty condition")
	}
	if len(expr) > maxExpressionLength {
		return compiledRule{}, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return compiledRule{}, err
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("compiling condition: %w", issues.Err())
	}

	prg, err := g.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return compiledRule{}, fmt.Errorf("building program: %w", err)
	}

	return compiledRule{name: rule.Name, action: rule.Action, program: prg}, nil
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Decision is the result of evaluating the rule set against one call.
type Decision struct {
	Allowed bool
	Rule    string
}

// Evaluate runs every rule in order against the call described by
// toolName/server/arguments, returning the first match. With no
// matching rule (or no rules at all), the call is allowed.
func (g *Gate) Evaluate(ctx context.Context, toolName, server string, arguments map[string]any) (Decision, error) {
	if !g.Enabled() {
		return Decision{Allowed: true}, nil
	}

	activation := map[string]any{
		"tool_name": toolName,
		"server":    server,
		"arguments": arguments,
	}

	for _, rule := range g.rules {
		evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
		result, _, err := rule.program.ContextEval(evalCtx, activation)
		cancel()
		if err != nil {
			return Decision{}, fmt.Errorf("policy: evaluating rule %q: %w", rule.name, err)
		}
		matched, ok := result.Value().(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy: rule %q did not evaluate to bool", rule.name)
		}
		if matched {
			return Decision{Allowed: rule.action == "allow", Rule: rule.name}, nil
		}
	}

	return Decision{Allowed: true}, nil
}
