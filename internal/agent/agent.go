// Package agent runs the activity loop: pick a contract action, submit it,
// wait for its receipt, sleep a random interval, repeat until stopped.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/telemetry"
)

// DefaultErrorCooldown is the wait after any failed action.
const DefaultErrorCooldown = 5 * time.Minute

// ErrAlreadyRunning is returned by Run when the agent has already been started.
var ErrAlreadyRunning = errors.New("agent: already running")

// Executor submits a contract call and waits for its receipt.
// *chain.Executor satisfies it.
type Executor interface {
	Submit(ctx context.Context, method string, args ...any) (*types.Transaction, error)
	Await(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// StatsReader reads the on-chain counters for an address.
// *chain.ActivityContract satisfies it.
type StatsReader interface {
	Stats(ctx context.Context, user common.Address) (chain.ActivityStats, error)
}

// State is the agent's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSelecting
	StateSubmitting
	StateConfirming
	StateSleeping
	StateStopping
	StateStopped
)

var stateNames = [...]string{"idle", "running", "selecting", "submitting", "confirming", "sleeping", "stopping", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config is the agent's immutable run configuration.
type Config struct {
	Signer              common.Address
	Contract            common.Address
	MinDelay            time.Duration
	MaxDelay            time.Duration
	TargetActionsPerDay int // informational
	ErrorCooldown       time.Duration
	StatsTimeout        time.Duration
	ExplorerURL         string
}

// Validate checks the delay band.
func (c Config) Validate() error {
	if c.MinDelay <= 0 {
		return fmt.Errorf("agent: min delay must be positive, got %s", c.MinDelay)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("agent: max delay %s is below min delay %s", c.MaxDelay, c.MinDelay)
	}
	return nil
}

// Outcome is the result of one submission attempt.
type Outcome struct {
	Kind        ActionKind
	TxHash      common.Hash // zero when submission itself failed
	Success     bool
	TimedOut    bool
	BlockNumber uint64
	GasUsed     uint64
	Err         error
	Duration    time.Duration
}

// Result labels the outcome for logs and metrics.
func (o Outcome) Result() string {
	switch {
	case o.Success:
		return "confirmed"
	case o.TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

// Summary describes the configured cadence and progress so far.
type Summary struct {
	Address           string        `json:"address"`
	Contract          string        `json:"contract"`
	TargetPerDay      int           `json:"target_tx_per_day"`
	EstimatedPerDay   int           `json:"estimated_tx_per_day"`
	AvgDelay          time.Duration `json:"avg_delay"`
	SuccessfulActions int64         `json:"current_count"`
}

// Agent owns a single signer and keeps one transaction in flight at a time.
type Agent struct {
	cfg    Config
	exec   Executor
	stats  StatsReader
	logger *slog.Logger

	rng   *rand.Rand
	next  func() Action
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	state     atomic.Int32
	successes atomic.Int64

	mu            sync.Mutex
	started       bool
	stopRequested bool
	cancelSleep   context.CancelFunc

	tracer    trace.Tracer
	actions   metric.Int64Counter
	confirmMs metric.Float64Histogram
}

// Option customises an Agent.
type Option func(*Agent)

// WithRand sets the randomness source for action selection and delays.
func WithRand(rng *rand.Rand) Option {
	return func(a *Agent) { a.rng = rng }
}

// WithActionSource replaces the weighted selector.
func WithActionSource(next func() Action) Option {
	return func(a *Agent) { a.next = next }
}

// WithSleeper replaces the context-aware sleep used between actions.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.sleep = sleep }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an agent. stats may be nil, in which case the startup stats
// read is skipped.
func New(cfg Config, exec Executor, stats StatsReader, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = DefaultErrorCooldown
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = 30 * time.Second
	}

	a := &Agent{
		cfg:    cfg,
		exec:   exec,
		stats:  stats,
		logger: logger.With("run_id", uuid.NewString()),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // cadence jitter, not key material
		sleep:  sleepContext,
		now:    time.Now,
		tracer: telemetry.Tracer("pulse/agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.next == nil {
		a.next = NewSelector(a.rng, DefaultWeights).Next
	}
	a.registerMetrics()
	return a, nil
}

// State returns the current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// SuccessCount returns the confirmed actions in this process lifetime.
func (a *Agent) SuccessCount() int64 { return a.successes.Load() }

// Summary reports the configured cadence and the running count.
func (a *Agent) Summary() Summary {
	return Summary{
		Address:           a.cfg.Signer.Hex(),
		Contract:          a.cfg.Contract.Hex(),
		TargetPerDay:      a.cfg.TargetActionsPerDay,
		EstimatedPerDay:   EstimatedActionsPerDay(a.cfg.MinDelay, a.cfg.MaxDelay),
		AvgDelay:          (a.cfg.MinDelay + a.cfg.MaxDelay) / 2,
		SuccessfulActions: a.SuccessCount(),
	}
}

// Run starts the agent and blocks until Stop is called or ctx is cancelled.
// An action already submitted when that happens is allowed to confirm (or
// time out) before Run returns. Individual action failures never end the
// loop.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancelSleep = cancel
	if a.stopRequested {
		a.state.Store(int32(StateStopped))
		a.mu.Unlock()
		return nil
	}
	a.state.Store(int32(StateRunning))
	a.mu.Unlock()

	s := a.Summary()
	a.logger.Info("agent starting",
		"address", s.Address,
		"contract", s.Contract,
		"target_per_day", s.TargetPerDay,
		"estimated_per_day", s.EstimatedPerDay,
		"min_delay", a.cfg.MinDelay.String(),
		"max_delay", a.cfg.MaxDelay.String(),
	)
	a.logStats(loopCtx)

	for loopCtx.Err() == nil {
		wait := a.iterate(ctx)
		if loopCtx.Err() != nil {
			break
		}
		a.transition(StateSleeping)
		if err := a.sleep(loopCtx, wait); err != nil {
			break
		}
	}

	a.mu.Lock()
	if !a.stopRequested {
		a.logger.Info("agent stopping", "reason", context.Cause(ctx))
	}
	a.state.Store(int32(StateStopped))
	a.mu.Unlock()

	a.logger.Info("agent stopped", "successful_actions", a.SuccessCount())
	return nil
}

// Stop asks the agent to finish. It interrupts a pending sleep but not an
// in-flight submission. Safe to call more than once and before Run.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopRequested {
		return
	}
	a.stopRequested = true
	if a.State() != StateStopped {
		a.state.Store(int32(StateStopping))
	}
	a.logger.Info("agent stopping", "reason", "stop requested")
	if a.cancelSleep != nil {
		a.cancelSleep()
	}
}

// transition moves to s unless a stop is already under way.
func (a *Agent) transition(s State) {
	for {
		cur := a.state.Load()
		if State(cur) == StateStopping || State(cur) == StateStopped {
			return
		}
		if a.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// iterate runs one action and returns how long to wait before the next.
func (a *Agent) iterate(ctx context.Context) time.Duration {
	// A submitted transaction must be seen through to a receipt or timeout,
	// so neither a signal nor Stop reaches the submit/await calls.
	out := a.execute(context.WithoutCancel(ctx))
	a.record(out)

	if !out.Success {
		a.logger.Warn("cooldown",
			"duration", a.cfg.ErrorCooldown.String(),
			"resume_at", a.now().Add(a.cfg.ErrorCooldown).UTC().Format(time.RFC3339),
		)
		return a.cfg.ErrorCooldown
	}

	delay := NextDelay(a.rng, a.cfg.MinDelay, a.cfg.MaxDelay)
	a.logger.Info("next action scheduled",
		"delay", delay.Round(time.Second).String(),
		"delay_minutes", fmt.Sprintf("%.1f", delay.Minutes()),
		"at", a.now().Add(delay).UTC().Format(time.RFC3339),
	)
	return delay
}

func (a *Agent) execute(ctx context.Context) Outcome {
	a.transition(StateSelecting)
	action := a.next()
	out := Outcome{Kind: action.Kind}

	ctx, span := a.tracer.Start(ctx, "agent.action", trace.WithAttributes(
		attribute.String("kind", action.Kind.String()),
		attribute.String("method", action.Method()),
	))
	defer span.End()

	start := a.now()
	attrs := []any{"kind", action.Kind.String(), "method", action.Method(), "at", start.UTC().Format(time.RFC3339)}
	switch action.Kind {
	case ActionMessage:
		attrs = append(attrs, "message", action.Message)
	case ActionBatch:
		attrs = append(attrs, "count", action.Count)
	}
	a.logger.Info("action selected", attrs...)

	a.transition(StateSubmitting)
	tx, err := a.exec.Submit(ctx, action.Method(), action.Args()...)
	if err != nil {
		out.Err = err
		out.Duration = a.now().Sub(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return out
	}
	out.TxHash = tx.Hash()
	span.SetAttributes(attribute.String("tx", out.TxHash.Hex()))
	a.logger.Info("action submitted", "kind", action.Kind.String(), "tx", out.TxHash.Hex(), "nonce", tx.Nonce())

	a.transition(StateConfirming)
	confirmStart := time.Now()
	receipt, err := a.exec.Await(ctx, tx)
	a.confirmMs.Record(ctx, float64(time.Since(confirmStart).Milliseconds()),
		metric.WithAttributes(attribute.String("kind", action.Kind.String())))
	out.Duration = a.now().Sub(start)
	if err != nil {
		out.Err = err
		out.TimedOut = errors.Is(err, chain.ErrConfirmTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirmation failed")
		return out
	}

	out.Success = true
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	out.GasUsed = receipt.GasUsed
	return out
}

func (a *Agent) record(out Outcome) {
	a.actions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", out.Kind.String()),
		attribute.String("result", out.Result()),
	))

	if !out.Success {
		attrs := []any{
			"kind", out.Kind.String(),
			"result", out.Result(),
			"error", out.Err,
			"at", a.now().UTC().Format(time.RFC3339),
		}
		if out.TxHash != (common.Hash{}) {
			// The transaction may still be included after a timeout.
			attrs = append(attrs, "tx", out.TxHash.Hex(), "explorer", a.txURL(out.TxHash))
		}
		a.logger.Error("action failed", attrs...)
		return
	}

	n := a.successes.Add(1)
	a.logger.Info("action confirmed",
		"kind", out.Kind.String(),
		"tx", out.TxHash.Hex(),
		"block", out.BlockNumber,
		"gas_used", out.GasUsed,
		"duration_ms", out.Duration.Milliseconds(),
		"activity_count", n,
		"explorer", a.txURL(out.TxHash),
	)
}

// logStats prints the on-chain counters at startup. Failures are expected
// before the contract is deployed and never stop the agent.
func (a *Agent) logStats(ctx context.Context) {
	if a.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatsTimeout)
	defer cancel()

	st, err := a.stats.Stats(ctx, a.cfg.Signer)
	if err != nil {
		a.logger.Warn("could not fetch stats (contract may not be deployed yet)", "error", err)
		return
	}
	last := "never"
	if !st.LastActivity.IsZero() {
		last = st.LastActivity.Format(time.RFC3339)
	}
	a.logger.Info("agent stats", "total_activities", st.Count, "last_activity", last)
}

func (a *Agent) txURL(h common.Hash) string {
	if a.cfg.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(a.cfg.ExplorerURL, "/") + "/tx/" + h.Hex()
}

func (a *Agent) registerMetrics() {
	meter := telemetry.Meter("pulse/agent")

	a.actions, _ = meter.Int64Counter("pulse.agent.actions",
		metric.WithDescription("Contract actions attempted, by kind and result"),
	)
	a.confirmMs, _ = meter.Float64Histogram("pulse.agent.confirm_duration",
		metric.WithDescription("Time from submission to receipt"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("pulse.agent.successful_actions",
		metric.WithDescription("Confirmed actions in this process lifetime"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(a.SuccessCount())
			return nil
		}),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
