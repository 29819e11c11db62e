// Package dedup decides, once per logical transaction and time window, whether
// a card-transaction event should be processed.
//
// The decision rests on a single atomic conditional write against a shared
// Store: the write of {key, arrivedAt} succeeds only if no record exists for the
// key or the existing record arrived before the start of the current window.
// A rejected write is the expected duplicate signal, not an error.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/models"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/telemetry"
)

const (
	// DefaultWindow is used when Claim is called with a non-positive window.
	DefaultWindow = 300 * time.Second
	// DefaultGrace extends the window past now to absorb clock skew between callers.
	DefaultGrace = 5 * time.Second
)

// Record is the persisted claim on a key.
type Record struct {
	Key       Key
	ArrivedAt time.Time
}

// Condition bounds the window a live record must fall in to block a new claim.
type Condition struct {
	WindowStart time.Time
	WindowEnd   time.Time
}

// Stale reports whether an existing record no longer blocks a claim.
// Records that arrived after WindowEnd still block: a clock ahead of ours
// must not let a second claim through.
func (c Condition) Stale(arrivedAt time.Time) bool {
	return arrivedAt.Before(c.WindowStart)
}

// Store performs the conditional write the gate relies on. PutIfStale must
// atomically write rec iff no record exists for rec.Key or the existing one is
// stale under cond. It returns ErrConditionFailed when a live record blocks the
// write and any other error for infrastructure failures.
type Store interface {
	PutIfStale(ctx context.Context, rec Record, cond Condition) error
}

// Inspector is implemented by stores that can read back a claim.
type Inspector interface {
	Lookup(ctx context.Context, key Key) (Record, bool, error)
}

// Pinger is implemented by stores with a reachable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Result is the outcome of one claim, attached to the transaction downstream.
type Result struct {
	IsDuplicate bool
	CheckedAt   time.Time
	WindowStart time.Time
	WindowEnd   time.Time
}

// DupCheck converts r to its wire form.
func (r Result) DupCheck() models.DupCheck {
	return models.DupCheck{
		IsDuplicate: r.IsDuplicate,
		CheckedAt:   r.CheckedAt.Unix(),
		WindowStart: r.WindowStart.Unix(),
		WindowEnd:   r.WindowEnd.Unix(),
	}
}

type callerCtxKey struct{}

// ContextWithCaller returns a copy of ctx carrying the authenticated caller.
// Claims made with it record the caller on their span and log lines.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, caller)
}

// CallerFromContext returns the caller set by ContextWithCaller, or "".
func CallerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callerCtxKey{}).(string)
	return s
}

// Gate claims dedup keys against a Store. It is safe for concurrent use.
type Gate struct {
	store     Store
	extractor KeyExtractor
	grace     time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// Option configures a Gate.
type Option func(*Gate)

// WithKeyExtractor overrides the default AuthCodeKey extractor.
func WithKeyExtractor(e KeyExtractor) Option {
	return func(g *Gate) { g.extractor = e }
}

// WithGrace sets how far past now the window extends.
func WithGrace(d time.Duration) Option {
	return func(g *Gate) { g.grace = d }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics records claim outcomes and latency.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a Gate over store.
func New(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:     store,
		extractor: AuthCodeKey{},
		grace:     DefaultGrace,
		logger:    slog.Default(),
		tracer:    otel.Tracer("dedup"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.grace < 0 {
		g.grace = 0
	}
	g.logger = g.logger.With("component", "dedup")
	return g
}

// Store returns the backing store.
func (g *Gate) Store() Store {
	return g.store
}

// Key derives tx's dedup key without claiming it.
func (g *Gate) Key(tx models.Transaction) (Key, error) {
	return g.extractor.Key(tx)
}

// Window returns the bounds a claim at now uses.
func (g *Gate) Window(now time.Time, window time.Duration) Condition {
	if window <= 0 {
		window = DefaultWindow
	}
	return Condition{
		WindowStart: now.Add(-window),
		WindowEnd:   now.Add(g.grace),
	}
}

// Claim attempts to claim tx's key at now for the given window.
//
// It performs exactly one store round-trip and never retries. A duplicate is
// reported through Result.IsDuplicate with a nil error. ErrInvalidRecord is
// returned when no key can be derived, and ErrStoreUnavailable (wrapping the
// cause) for any store failure other than a rejected condition; in that case
// the returned Result carries the window but no decision.
func (g *Gate) Claim(ctx context.Context, tx models.Transaction, now time.Time, window time.Duration) (Result, error) {
	start := time.Now()

	key, err := g.extractor.Key(tx)
	if err != nil {
		g.metrics.Record(ctx, telemetry.OutcomeInvalid, time.Since(start))
		if !errors.Is(err, ErrInvalidRecord) {
			err = fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		return Result{}, err
	}

	now = now.Truncate(time.Millisecond)
	cond := g.Window(now, window)
	res := Result{
		CheckedAt:   now,
		WindowStart: cond.WindowStart,
		WindowEnd:   cond.WindowEnd,
	}

	caller := CallerFromContext(ctx)
	ctx, span := g.tracer.Start(ctx, "dedup.Claim", trace.WithAttributes(
		attribute.String("dedup.key", string(key)),
		attribute.String("dedup.caller", caller),
		attribute.Int64("dedup.checked_at", now.Unix()),
	))
	defer span.End()

	err = g.store.PutIfStale(ctx, Record{Key: key, ArrivedAt: now}, cond)
	switch {
	case err == nil:
		g.metrics.Record(ctx, telemetry.OutcomeAdmitted, time.Since(start))
		g.logger.DebugContext(ctx, "claim admitted", g.attrs(key, caller, res)...)
		return res, nil

	case errors.Is(err, ErrConditionFailed):
		res.IsDuplicate = true
		span.SetAttributes(attribute.Bool("dedup.duplicate", true))
		g.metrics.Record(ctx, telemetry.OutcomeDuplicate, time.Since(start))
		g.logger.DebugContext(ctx, "duplicate transaction", g.attrs(key, caller, res)...)
		return res, nil

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		g.metrics.Record(ctx, telemetry.OutcomeError, time.Since(start))
		g.logger.WarnContext(ctx, "dedup store failure", append(g.attrs(key, caller, res), "error", err)...)
		return res, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func (g *Gate) attrs(key Key, caller string, res Result) []any {
	return []any{
		"key", string(key),
		"caller", caller,
		"checked_at", res.CheckedAt.Unix(),
		"window_start", res.WindowStart.Unix(),
		"window_end", res.WindowEnd.Unix(),
	}
}
