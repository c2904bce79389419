package cel

import (
	"testing"
	"time"

	"github.com/gatecell/gatecell/internal/domain/rule"
)

func TestBuildActivation_AllVariables(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checkCtx := rule.CheckContext{
		Tenant:      "acme",
		Resource:    "orders",
		Method:      "GET",
		IP:          "203.0.113.7",
		Attrs:       map[string]any{"plan": "free", "beta": true},
		RequestTime: now,
	}

	activation := BuildActivation(checkCtx)

	if activation["tenant"] != "acme" {
		t.Errorf("tenant = %v, want acme", activation["tenant"])
	}
	if activation["resource"] != "orders" {
		t.Errorf("resource = %v, want orders", activation["resource"])
	}
	if activation["method"] != "GET" {
		t.Errorf("method = %v, want GET", activation["method"])
	}
	if activation["ip"] != "203.0.113.7" {
		t.Errorf("ip = %v, want 203.0.113.7", activation["ip"])
	}
	attrs, ok := activation["attrs"].(map[string]any)
	if !ok || attrs["plan"] != "free" {
		t.Errorf("attrs = %v, want map with plan=free", activation["attrs"])
	}
	if got := activation["request_time"].(time.Time); !got.Equal(now) {
		t.Errorf("request_time = %v, want %v", got, now)
	}
}

func TestBuildActivation_NilAttrs(t *testing.T) {
	activation := BuildActivation(rule.CheckContext{Tenant: "acme"})

	attrs, ok := activation["attrs"].(map[string]any)
	if !ok {
		t.Fatalf("attrs = %T, want map[string]any", activation["attrs"])
	}
	if attrs == nil {
		t.Error("attrs should be an empty map, not nil")
	}
}

func TestBuildActivation_ZeroRequestTime(t *testing.T) {
	activation := BuildActivation(rule.CheckContext{Tenant: "acme"})

	got, ok := activation["request_time"].(time.Time)
	if !ok {
		t.Fatalf("request_time = %T, want time.Time", activation["request_time"])
	}
	if got.IsZero() {
		t.Error("zero request time should be normalized to now")
	}
}

func TestRequestEnvironment_EmptyAttrsEvaluates(t *testing.T) {
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	prg, err := eval.Compile(`!("plan" in attrs)`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	result, err := eval.EvaluateBool(prg, rule.CheckContext{Tenant: "acme"})
	if err != nil {
		t.Fatalf("EvaluateBool() error: %v", err)
	}
	if !result {
		t.Error("missing attr key should evaluate cleanly against empty attrs")
	}
}
