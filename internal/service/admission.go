// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	celeval "github.com/gatecell/gatecell/internal/adapter/outbound/cel"
	"github.com/gatecell/gatecell/internal/ctxkey"
	"github.com/gatecell/gatecell/internal/domain/rule"
	"github.com/gatecell/gatecell/internal/observability"
	"github.com/gatecell/gatecell/pkg/gcra"
)

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as HTTP middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// CompiledRule is an admission rule ready for evaluation: pre-compiled CEL
// programs plus the keyed limiter enforcing the rule's quota.
type CompiledRule struct {
	ID       string
	Name     string
	Priority int
	Version  int64
	Match    cel.Program // nil matches every request
	KeyBy    cel.Program // nil falls back to CheckContext.DefaultKey
	Quota    gcra.Quota
	Limiter  *gcra.KeyedLimiter
}

// rulesSnapshot is the immutable snapshot stored in atomic.Value.
type rulesSnapshot struct {
	rules []CompiledRule // sorted by priority descending, then name
}

// limiterIdentity identifies a rule revision for limiter carry-over across
// reloads. A version bump means the quota may have changed, so the limiter
// starts fresh.
type limiterIdentity struct {
	id      string
	version int64
}

// AdmissionDecision is the outcome of an admission check, shaped for
// transport encoding.
type AdmissionDecision struct {
	// Allowed reports whether the request was admitted.
	Allowed bool
	// Matched is false when no rule governed the request (fail-open allow).
	Matched bool
	// RuleID and RuleName identify the governing rule when Matched.
	RuleID   string
	RuleName string
	// Key is the limiter key the decision was made under.
	Key string
	// Limit is the burst size of the governing quota.
	Limit uint32
	// Remaining is the burst capacity left at the decision instant, 0 on deny.
	Remaining uint64
	// RetryAfter is the advised wait before retrying, 0 when allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the key's bucket is fully replenished.
	ResetAfter time.Duration
}

// decisionCounter counts committed decisions for one rule. It runs as
// limiter middleware, after the state store has accepted the decision, so
// every counted decision is one the caller actually observed.
type decisionCounter struct {
	rule    string
	metrics *observability.Metrics
}

func (c decisionCounter) Allow(string, gcra.Snapshot) any {
	c.metrics.DecisionsTotal.WithLabelValues(c.rule, "allow").Inc()
	return nil
}

func (c decisionCounter) Disallow(string, gcra.Snapshot, gcra.Nanos) any {
	c.metrics.DecisionsTotal.WithLabelValues(c.rule, "deny").Inc()
	return nil
}

// AdmissionService evaluates admission requests against the active rule set.
// Rules are compiled at load time and evaluated in priority order (highest
// first); the first matching rule's limiter decides. Supports hot-reload via
// Reload() after rule changes. Uses atomic.Value for lock-free reads on the
// check path.
type AdmissionService struct {
	store     rule.Store
	evaluator *celeval.Evaluator
	snapshot  atomic.Value // stores *rulesSnapshot
	mu        sync.Mutex   // serializes Reload swaps
	clock     gcra.Clock
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// AdmissionOption configures AdmissionService.
type AdmissionOption func(*AdmissionService)

// WithMetrics sets the Prometheus metric set recorded on every decision.
func WithMetrics(m *observability.Metrics) AdmissionOption {
	return func(s *AdmissionService) { s.metrics = m }
}

// WithClock replaces the limiter clock, usually with a FakeClock in tests.
func WithClock(c gcra.Clock) AdmissionOption {
	return func(s *AdmissionService) { s.clock = c }
}

// NewAdmissionService creates an AdmissionService and compiles the rules
// currently in the store. The ctx parameter covers the initial load and can
// be cancelled to abort startup.
func NewAdmissionService(ctx context.Context, store rule.Store, logger *slog.Logger, opts ...AdmissionOption) (*AdmissionService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &AdmissionService{
		store:     store,
		evaluator: evaluator,
		clock:     gcra.SystemClock{},
		tracer:    observability.GetTracer("gatecell/admission"),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	rules, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	snap, err := s.compile(rules, nil)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(snap)

	logger.Info("admission service initialized",
		"rules_compiled", len(snap.rules),
		"rules_total", len(rules),
	)
	return s, nil
}

// ValidateRule checks that a rule's CEL expressions compile against the
// request environment. Call before persisting so invalid expressions cannot
// poison the store and break subsequent reloads.
func (s *AdmissionService) ValidateRule(r *rule.Rule) error {
	if r.Match != "" {
		if err := s.evaluator.ValidateExpression(r.Match); err != nil {
			return fmt.Errorf("rule %q: match: %w", r.Name, err)
		}
	}
	if r.KeyBy != "" {
		if err := s.evaluator.ValidateExpression(r.KeyBy); err != nil {
			return fmt.Errorf("rule %q: key_by: %w", r.Name, err)
		}
	}
	return nil
}

// compile compiles the enabled rules and pairs each with its keyed limiter.
// Limiters from prev are carried over for rules whose ID and version are
// unchanged, so in-flight admission state survives unrelated edits.
func (s *AdmissionService) compile(rules []rule.Rule, prev *rulesSnapshot) (*rulesSnapshot, error) {
	carried := make(map[limiterIdentity]*gcra.KeyedLimiter)
	if prev != nil {
		for i := range prev.rules {
			cr := &prev.rules[i]
			carried[limiterIdentity{cr.ID, cr.Version}] = cr.Limiter
		}
	}

	compiled := make([]CompiledRule, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		if r.Disabled {
			continue
		}

		cr := CompiledRule{
			ID:       r.ID,
			Name:     r.Name,
			Priority: r.Priority,
			Version:  r.Version,
		}

		var err error
		if r.Match != "" {
			if cr.Match, err = s.evaluator.Compile(r.Match); err != nil {
				return nil, fmt.Errorf("failed to compile rule %q: match: %w", r.Name, err)
			}
		}
		if r.KeyBy != "" {
			if cr.KeyBy, err = s.evaluator.Compile(r.KeyBy); err != nil {
				return nil, fmt.Errorf("failed to compile rule %q: key_by: %w", r.Name, err)
			}
		}
		if cr.Quota, err = r.Quota(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}

		if lim, ok := carried[limiterIdentity{r.ID, r.Version}]; ok {
			cr.Limiter = lim
		} else {
			limOpts := []gcra.Option{gcra.WithClock(s.clock)}
			if s.metrics != nil {
				limOpts = append(limOpts, gcra.WithMiddleware(decisionCounter{rule: r.Name, metrics: s.metrics}))
			}
			cr.Limiter = gcra.NewKeyedLimiter(cr.Quota, limOpts...)
		}
		compiled = append(compiled, cr)
	}

	// Highest priority first; name breaks ties so evaluation order is
	// deterministic.
	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].Name < compiled[j].Name
	})

	return &rulesSnapshot{rules: compiled}, nil
}

// loadSnapshot returns the current rules snapshot atomically (lock-free).
func (s *AdmissionService) loadSnapshot() *rulesSnapshot {
	return s.snapshot.Load().(*rulesSnapshot)
}

// RuleCount reports the number of active (compiled) rules.
func (s *AdmissionService) RuleCount() int {
	return len(s.loadSnapshot().rules)
}

// Admit tests a single admission against the highest-priority matching rule.
// Requests no rule matches are allowed.
func (s *AdmissionService) Admit(ctx context.Context, cc rule.CheckContext) (AdmissionDecision, error) {
	return s.admit(ctx, cc, 1)
}

// AdmitN tests a batch of n admissions, admitting all of them or none. The
// error is gcra.ErrZeroBatch or a gcra.InsufficientCapacityError for batches
// the matched quota could never admit; an ordinary denial is a decision with
// Allowed false.
func (s *AdmissionService) AdmitN(ctx context.Context, cc rule.CheckContext, n uint64) (AdmissionDecision, error) {
	return s.admit(ctx, cc, n)
}

func (s *AdmissionService) admit(ctx context.Context, cc rule.CheckContext, n uint64) (AdmissionDecision, error) {
	_, span := s.tracer.Start(ctx, "admission.check",
		trace.WithAttributes(
			attribute.String("tenant", cc.Tenant),
			attribute.String("resource", cc.Resource),
		))
	defer span.End()

	snap := s.loadSnapshot()
	for i := range snap.rules {
		cr := &snap.rules[i]
		if cr.Match != nil {
			matched, err := s.evaluator.EvaluateBool(cr.Match, cc)
			if err != nil {
				return AdmissionDecision{}, fmt.Errorf("rule %q match: %w", cr.Name, err)
			}
			if !matched {
				continue
			}
		}

		key := cc.DefaultKey()
		if cr.KeyBy != nil {
			k, err := s.evaluator.EvaluateString(cr.KeyBy, cc)
			if err != nil {
				return AdmissionDecision{}, fmt.Errorf("rule %q key_by: %w", cr.Name, err)
			}
			key = k
		}

		d, err := cr.Limiter.CheckN(key, n)
		if err != nil {
			return AdmissionDecision{}, fmt.Errorf("rule %q: %w", cr.Name, err)
		}

		span.SetAttributes(
			attribute.String("rule", cr.Name),
			attribute.Bool("allowed", d.Allowed),
		)

		dec := AdmissionDecision{
			Allowed:  d.Allowed,
			Matched:  true,
			RuleID:   cr.ID,
			RuleName: cr.Name,
			Key:      key,
			Limit:    cr.Quota.BurstSize(),
		}
		if d.Allowed {
			dec.Remaining = d.Snapshot.RemainingBurstCapacity()
			dec.ResetAfter = d.Snapshot.ResetAfter()
			return dec, nil
		}
		dec.RetryAfter = d.NotUntil.WaitTime()
		dec.ResetAfter = dec.RetryAfter
		if s.metrics != nil {
			s.metrics.RetryWait.Observe(dec.RetryAfter.Seconds())
		}
		return dec, nil
	}

	// No governing rule: fail open so a thin rule set never blocks traffic.
	span.SetAttributes(attribute.Bool("allowed", true))
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	logger.Debug("no rule matched, allowing",
		"tenant", cc.Tenant,
		"resource", cc.Resource,
	)
	return AdmissionDecision{Allowed: true}, nil
}

// Reload recompiles the rule set from the store and atomically swaps the
// snapshot. Concurrent Admit calls keep reading the old snapshot until the
// swap. Disabled rules are excluded; limiters of unchanged rules carry over.
func (s *AdmissionService) Reload(ctx context.Context) error {
	rules, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	// Compile under the mutex: carry-over reads the previous snapshot, and
	// two racing reloads must not both carry limiters forward.
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.compile(rules, s.loadSnapshot())
	if err != nil {
		return err
	}
	s.snapshot.Store(snap)

	if s.metrics != nil {
		s.metrics.RuleReloadsTotal.Inc()
		s.metrics.LimiterKeys.Reset()
	}
	s.logger.Info("rule set reloaded",
		"rules_compiled", len(snap.rules),
		"rules_total", len(rules),
	)
	return nil
}

// StartSweeping starts the background sweeper goroutine. Every interval it
// drops limiter state for keys that have been fully replenished for at least
// idleTTL and refreshes the per-rule key gauges. It stops when ctx is
// cancelled or Stop is called.
func (s *AdmissionService) StartSweeping(ctx context.Context, interval, idleTTL time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweepOnce(idleTTL)
			}
		}
	}()
}

func (s *AdmissionService) sweepOnce(idleTTL time.Duration) {
	snap := s.loadSnapshot()
	dropped := 0
	for i := range snap.rules {
		cr := &snap.rules[i]
		dropped += cr.Limiter.SweepIdleFor(idleTTL)
		if s.metrics != nil {
			s.metrics.LimiterKeys.WithLabelValues(cr.Name).Set(float64(cr.Limiter.Len()))
		}
	}
	if dropped > 0 {
		s.logger.Debug("swept idle limiter keys", "dropped", dropped)
	}
}

// Stop stops the sweeper goroutine and waits for it to exit. Safe to call
// multiple times, and safe without a prior StartSweeping.
func (s *AdmissionService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
