package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/aviary-mcp/proxy/internal/config"
)

func TestNewGateWithNoRulesIsDisabled(t *testing.T) {
	g, err := NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate(nil): %v", err)
	}
	if g.Enabled() {
		t.Fatal("expected an empty rule set to be disabled")
	}
}

func TestNewGateRejectsInvalidExpression(t *testing.T) {
	_, err := NewGate([]config.PolicyRule{
		{Name: "broken", Condition: "this is not valid CEL !!!", Action: "deny"},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid CEL expression")
	}
}

func TestNewGateRejectsExcessiveNesting(t *testing.T) {
	expr := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	_, err := NewGate([]config.PolicyRule{
		{Name: "deep", Condition: expr, Action: "deny"},
	})
	if err == nil {
		t.Fatal("expected an error for an over-nested expression")
	}
}

func TestEvaluateFirstMatchingRuleWins(t *testing.T) {
	g, err := NewGate([]config.PolicyRule{
		{Name: "deny-delete", Condition: `tool_name == "delete_everything"`, Action: "deny"},
		{Name: "allow-rest", Condition: "true", Action: "allow"},
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	denied, err := g.Evaluate(context.Background(), "delete_everything", "alpha", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if denied.Allowed {
		t.Error("expected the deny-delete rule to reject delete_everything")
	}
	if denied.Rule != "deny-delete" {
		t.Errorf("Rule = %q, want deny-delete", denied.Rule)
	}

	allowed, err := g.Evaluate(context.Background(), "read_file", "alpha", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allowed.Allowed {
		t.Error("expected the allow-rest catch-all to accept read_file")
	}
}

func TestEvaluateWithNoRuleMatchDefaultsAllow(t *testing.T) {
	g, err := NewGate([]config.PolicyRule{
		{Name: "deny-specific", Condition: `tool_name == "nuke"`, Action: "deny"},
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	decision, err := g.Evaluate(context.Background(), "read_file", "alpha", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected no matching rule to default to allow")
	}
}

func TestEvaluateCanReferenceServerAndArguments(t *testing.T) {
	g, err := NewGate([]config.PolicyRule{
		{Name: "deny-beta-writes", Condition: `server == "beta" && arguments["mode"] == "write"`, Action: "deny"},
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	decision, err := g.Evaluate(context.Background(), "save", "beta", map[string]any{"mode": "write"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allowed {
		t.Error("expected the rule to deny a write against beta")
	}
}
