package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/gatecell/gatecell/internal/adapter/outbound/memory"
	"github.com/gatecell/gatecell/internal/domain/rule"
	"github.com/gatecell/gatecell/internal/observability"
	"github.com/gatecell/gatecell/pkg/gcra"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// seedStore returns a memory store pre-loaded with the given rules, bypassing
// service validation.
func seedStore(t *testing.T, rules ...rule.Rule) *memory.MemoryRuleStore {
	t.Helper()
	store := memory.NewRuleStore()
	for i := range rules {
		if err := store.Create(context.Background(), &rules[i]); err != nil {
			t.Fatalf("seed rule %s: %v", rules[i].Name, err)
		}
	}
	return store
}

func checkCtx(tenant, resource string) rule.CheckContext {
	return rule.CheckContext{
		Tenant:   tenant,
		Resource: resource,
		Method:   "POST",
		IP:       "192.0.2.10",
	}
}

func TestAdmissionService_EmptyRuleSetFailsOpen(t *testing.T) {
	t.Parallel()

	svc, err := NewAdmissionService(context.Background(), memory.NewRuleStore(), testLogger())
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	d, err := svc.Admit(context.Background(), checkCtx("acme", "orders"))
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if !d.Allowed {
		t.Error("Admit() denied with no rules configured")
	}
	if d.Matched {
		t.Error("Matched = true, want false with no rules configured")
	}
}

func TestAdmissionService_PriorityOrder(t *testing.T) {
	t.Parallel()

	store := seedStore(t,
		rule.Rule{ID: "r-1", Name: "orders-strict", Priority: 100,
			Match: `resource == "orders"`, Rate: 1, Period: time.Second, Version: 1},
		rule.Rule{ID: "r-2", Name: "catch-all", Priority: 0,
			Rate: 1000, Period: time.Second, Version: 1},
	)
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	d, err := svc.Admit(context.Background(), checkCtx("acme", "orders"))
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if d.RuleName != "orders-strict" {
		t.Errorf("RuleName = %q, want orders-strict", d.RuleName)
	}
	if !d.Allowed {
		t.Error("first orders admission denied")
	}

	// Burst 1: the second admission under the strict rule is denied.
	d, err = svc.Admit(context.Background(), checkCtx("acme", "orders"))
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if d.Allowed {
		t.Error("second orders admission allowed, want denied")
	}

	// Other resources fall through to the catch-all.
	d, err = svc.Admit(context.Background(), checkCtx("acme", "search"))
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if d.RuleName != "catch-all" {
		t.Errorf("RuleName = %q, want catch-all", d.RuleName)
	}
	if !d.Allowed {
		t.Error("search admission denied by the catch-all rule")
	}
}

func TestAdmissionService_NoMatchFailsOpen(t *testing.T) {
	t.Parallel()

	store := seedStore(t, rule.Rule{ID: "r-1", Name: "acme-only",
		Match: `tenant == "acme"`, Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	d, err := svc.Admit(context.Background(), checkCtx("globex", "orders"))
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if !d.Allowed || d.Matched {
		t.Errorf("Admit() = {Allowed: %v, Matched: %v}, want fail-open allow", d.Allowed, d.Matched)
	}
	if d.RuleID != "" {
		t.Errorf("RuleID = %q, want empty for unmatched request", d.RuleID)
	}
}

func TestAdmissionService_DefaultKeyIsolatesTenants(t *testing.T) {
	t.Parallel()

	store := seedStore(t, rule.Rule{ID: "r-1", Name: "per-tenant",
		Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	if d, _ := svc.Admit(context.Background(), checkCtx("acme", "orders")); !d.Allowed {
		t.Error("first acme admission denied")
	}
	if d, _ := svc.Admit(context.Background(), checkCtx("acme", "orders")); d.Allowed {
		t.Error("second acme admission allowed, want denied")
	}
	// A different tenant gets its own bucket.
	if d, _ := svc.Admit(context.Background(), checkCtx("globex", "orders")); !d.Allowed {
		t.Error("globex admission denied, want its own bucket")
	}
}

func TestAdmissionService_KeyByExpression(t *testing.T) {
	t.Parallel()

	store := seedStore(t, rule.Rule{ID: "r-1", Name: "per-ip",
		KeyBy: `tenant + ":" + ip`, Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	cc := checkCtx("acme", "orders")
	d, err := svc.Admit(context.Background(), cc)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if d.Key != "acme:192.0.2.10" {
		t.Errorf("Key = %q, want acme:192.0.2.10", d.Key)
	}
	if d, _ := svc.Admit(context.Background(), cc); d.Allowed {
		t.Error("second admission for the same ip allowed, want denied")
	}

	other := cc
	other.IP = "192.0.2.99"
	if d, _ := svc.Admit(context.Background(), other); !d.Allowed {
		t.Error("admission for a different ip denied, want its own bucket")
	}
}

func TestAdmissionService_DenyCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	clock := gcra.NewFakeClock()
	store := seedStore(t, rule.Rule{ID: "r-1", Name: "one-per-second",
		Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	cc := checkCtx("acme", "orders")
	d, err := svc.Admit(context.Background(), cc)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("first admission denied")
	}
	if d.Limit != 1 {
		t.Errorf("Limit = %d, want 1", d.Limit)
	}
	if d.ResetAfter != time.Second {
		t.Errorf("ResetAfter = %v, want 1s", d.ResetAfter)
	}

	d, err = svc.Admit(context.Background(), cc)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if d.Allowed {
		t.Fatal("second admission allowed, want denied")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0 on denial", d.Remaining)
	}

	clock.Advance(time.Second)
	if d, _ := svc.Admit(context.Background(), cc); !d.Allowed {
		t.Error("admission after the retry window denied")
	}
}

func TestAdmissionService_AdmitN(t *testing.T) {
	t.Parallel()

	clock := gcra.NewFakeClock()
	store := seedStore(t, rule.Rule{ID: "r-1", Name: "batch",
		Rate: 10, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	cc := checkCtx("acme", "orders")
	d, err := svc.AdmitN(context.Background(), cc, 5)
	if err != nil {
		t.Fatalf("AdmitN(5) error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("AdmitN(5) denied on a fresh bucket of 10")
	}
	if d.Remaining != 5 {
		t.Errorf("Remaining = %d, want 5", d.Remaining)
	}

	// 6 more do not fit next to the 5 already admitted.
	d, err = svc.AdmitN(context.Background(), cc, 6)
	if err != nil {
		t.Fatalf("AdmitN(6) error: %v", err)
	}
	if d.Allowed {
		t.Error("AdmitN(6) allowed, want denied")
	}
	if d.RetryAfter != 100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 100ms", d.RetryAfter)
	}

	// A batch above the burst can never be admitted.
	_, err = svc.AdmitN(context.Background(), cc, 11)
	var ice *gcra.InsufficientCapacityError
	if !errors.As(err, &ice) {
		t.Fatalf("AdmitN(11) error = %v, want InsufficientCapacityError", err)
	}
	if ice.MaxBatch != 10 {
		t.Errorf("MaxBatch = %d, want 10", ice.MaxBatch)
	}

	if _, err := svc.AdmitN(context.Background(), cc, 0); !errors.Is(err, gcra.ErrZeroBatch) {
		t.Errorf("AdmitN(0) error = %v, want ErrZeroBatch", err)
	}
}

func TestAdmissionService_DisabledRuleSkipped(t *testing.T) {
	t.Parallel()

	store := seedStore(t,
		rule.Rule{ID: "r-1", Name: "strict-off", Priority: 100, Disabled: true,
			Rate: 1, Period: time.Second, Version: 1},
		rule.Rule{ID: "r-2", Name: "fallback", Priority: 0,
			Rate: 100, Period: time.Second, Version: 1},
	)
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	if got := svc.RuleCount(); got != 1 {
		t.Errorf("RuleCount() = %d, want 1 with one rule disabled", got)
	}
	d, err := svc.Admit(context.Background(), checkCtx("acme", "orders"))
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if d.RuleName != "fallback" {
		t.Errorf("RuleName = %q, want fallback", d.RuleName)
	}
}

func TestAdmissionService_MatchRuntimeErrorSurfaces(t *testing.T) {
	t.Parallel()

	store := seedStore(t, rule.Rule{ID: "r-1", Name: "unguarded-attr",
		Match: `attrs["plan"] == "pro"`, Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	// No attrs in the request: the unguarded lookup fails at evaluation.
	_, err = svc.Admit(context.Background(), checkCtx("acme", "orders"))
	if err == nil {
		t.Fatal("Admit() error = nil, want evaluation error")
	}
	if !strings.Contains(err.Error(), "unguarded-attr") {
		t.Errorf("error %q does not name the failing rule", err)
	}
}

func TestNewAdmissionService_InvalidStoredExpression(t *testing.T) {
	t.Parallel()

	store := seedStore(t, rule.Rule{ID: "r-1", Name: "broken",
		Match: `tenant ==`, Rate: 1, Period: time.Second, Version: 1})

	if _, err := NewAdmissionService(context.Background(), store, testLogger()); err == nil {
		t.Fatal("NewAdmissionService() error = nil, want compile error")
	}
}

func TestAdmissionService_ValidateRule(t *testing.T) {
	t.Parallel()

	svc, err := NewAdmissionService(context.Background(), memory.NewRuleStore(), testLogger())
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	tests := []struct {
		name    string
		r       rule.Rule
		wantErr string
	}{
		{"no expressions", rule.Rule{Name: "plain"}, ""},
		{"valid expressions", rule.Rule{Name: "ok",
			Match: `method == "POST"`, KeyBy: `tenant + ":" + ip`}, ""},
		{"bad match", rule.Rule{Name: "bad-match", Match: `tenant ==`}, "match"},
		{"bad key_by", rule.Rule{Name: "bad-key", KeyBy: `tenant +`}, "key_by"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ValidateRule(&tt.r)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateRule() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("ValidateRule() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestAdmissionService_ReloadCarriesLimiterState(t *testing.T) {
	t.Parallel()

	clock := gcra.NewFakeClock()
	store := seedStore(t, rule.Rule{ID: "r-1", Name: "keep",
		Priority: 10, Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	cc := checkCtx("acme", "orders")
	if d, _ := svc.Admit(context.Background(), cc); !d.Allowed {
		t.Fatal("first admission denied")
	}
	if d, _ := svc.Admit(context.Background(), cc); d.Allowed {
		t.Fatal("second admission allowed, want denied")
	}

	// Adding an unrelated rule must not reset the existing bucket.
	extra := rule.Rule{ID: "r-2", Name: "extra", Priority: -5,
		Rate: 100, Period: time.Second, Version: 1}
	if err := store.Create(context.Background(), &extra); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if d, _ := svc.Admit(context.Background(), cc); d.Allowed {
		t.Error("admission allowed after unrelated reload, want carried-over denial")
	}

	// A version bump means the quota may have changed: fresh limiter.
	changed, err := store.Get(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	changed.Rate = 1000
	changed.Burst = 1000
	if err := store.Update(context.Background(), changed); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if d, _ := svc.Admit(context.Background(), cc); !d.Allowed {
		t.Error("admission denied after the rule's quota grew")
	}
}

func TestAdmissionService_DecisionMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	store := seedStore(t, rule.Rule{ID: "r-1", Name: "metered",
		Rate: 1, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(),
		WithClock(gcra.NewFakeClock()),
		WithMetrics(observability.NewMetrics(reg)))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	cc := checkCtx("acme", "orders")
	if _, err := svc.Admit(context.Background(), cc); err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if _, err := svc.Admit(context.Background(), cc); err != nil {
		t.Fatalf("Admit() error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	counts := map[string]float64{}
	var retrySamples uint64
	for _, mf := range families {
		switch mf.GetName() {
		case "gatecell_decisions_total":
			for _, m := range mf.GetMetric() {
				var ruleName, outcome string
				for _, lp := range m.GetLabel() {
					switch lp.GetName() {
					case "rule":
						ruleName = lp.GetValue()
					case "outcome":
						outcome = lp.GetValue()
					}
				}
				counts[ruleName+"/"+outcome] = m.GetCounter().GetValue()
			}
		case "gatecell_retry_wait_seconds":
			for _, m := range mf.GetMetric() {
				retrySamples = m.GetHistogram().GetSampleCount()
			}
		}
	}

	if got := counts["metered/allow"]; got != 1 {
		t.Errorf("allow count = %v, want 1", got)
	}
	if got := counts["metered/deny"]; got != 1 {
		t.Errorf("deny count = %v, want 1", got)
	}
	if retrySamples != 1 {
		t.Errorf("retry wait samples = %d, want 1", retrySamples)
	}
}

func TestAdmissionService_SweepDropsIdleKeys(t *testing.T) {
	t.Parallel()

	clock := gcra.NewFakeClock()
	store := seedStore(t, rule.Rule{ID: "r-1", Name: "swept",
		Rate: 1000, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}

	for _, tenant := range []string{"acme", "globex", "initech"} {
		if _, err := svc.Admit(context.Background(), checkCtx(tenant, "orders")); err != nil {
			t.Fatalf("Admit() error: %v", err)
		}
	}

	lim := svc.loadSnapshot().rules[0].Limiter
	if got := lim.Len(); got != 3 {
		t.Fatalf("tracked keys = %d, want 3", got)
	}

	// Not yet idle for a full minute: nothing is dropped.
	clock.Advance(30 * time.Second)
	svc.sweepOnce(time.Minute)
	if got := lim.Len(); got != 3 {
		t.Errorf("tracked keys after early sweep = %d, want 3", got)
	}

	clock.Advance(time.Hour)
	svc.sweepOnce(time.Minute)
	if got := lim.Len(); got != 0 {
		t.Errorf("tracked keys after sweep = %d, want 0", got)
	}
}

func TestAdmissionService_SweeperLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := seedStore(t, rule.Rule{ID: "r-1", Name: "fast",
		Rate: 1000, Period: time.Second, Version: 1})
	svc, err := NewAdmissionService(context.Background(), store, testLogger())
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartSweeping(ctx, 20*time.Millisecond, 0)
	defer svc.Stop()

	for _, tenant := range []string{"acme", "globex", "initech"} {
		if _, err := svc.Admit(context.Background(), checkCtx(tenant, "orders")); err != nil {
			t.Fatalf("Admit() error: %v", err)
		}
	}

	// The millisecond buckets replenish almost immediately; a couple of
	// sweep cycles later the keys must be gone.
	lim := svc.loadSnapshot().rules[0].Limiter
	deadline := time.Now().Add(2 * time.Second)
	for lim.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := lim.Len(); got != 0 {
		t.Errorf("tracked keys = %d after sweep window, want 0", got)
	}
}

func TestAdmissionService_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc, err := NewAdmissionService(context.Background(), memory.NewRuleStore(), testLogger())
	if err != nil {
		t.Fatalf("NewAdmissionService() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartSweeping(ctx, 10*time.Millisecond, 0)
	svc.Stop()
	svc.Stop()
}
