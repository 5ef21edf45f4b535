package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipbattle/pulse/internal/chain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Signer:              common.HexToAddress("0x1"),
		Contract:            common.HexToAddress("0x2"),
		MinDelay:            30 * time.Minute,
		MaxDelay:            90 * time.Minute,
		TargetActionsPerDay: 20,
		ExplorerURL:         "https://basescan.org",
	}
}

// fakeExecutor scripts Submit and Await results.
type fakeExecutor struct {
	mu         sync.Mutex
	methods    []string
	args       [][]any
	submitErrs []error // consumed in order; nil entries succeed
	awaitErr   error
	release    chan struct{} // when set, Await blocks until closed
	awaitCtx   context.Context
	nonce      uint64
}

func (f *fakeExecutor) Submit(_ context.Context, method string, args ...any) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	f.args = append(f.args, args)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: f.nonce}), nil
}

func (f *fakeExecutor) Await(ctx context.Context, _ *types.Transaction) (*types.Receipt, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaitCtx = ctx
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), GasUsed: 45000}, nil
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

type fakeStats struct {
	stats chain.ActivityStats
	err   error
	calls int
}

func (f *fakeStats) Stats(context.Context, common.Address) (chain.ActivityStats, error) {
	f.calls++
	return f.stats, f.err
}

// recordingSleeper records requested waits and stops the agent after n sleeps.
type recordingSleeper struct {
	mu     sync.Mutex
	waits  []time.Duration
	stopAt int
	agent  *Agent
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	n := len(s.waits)
	s.mu.Unlock()
	if n >= s.stopAt {
		s.agent.Stop()
		return ctx.Err()
	}
	return nil
}

func always(kind ActionKind) func() Action {
	return func() Action { return Action{Kind: kind} }
}

func newTestAgent(t *testing.T, cfg Config, exec Executor, stats StatsReader, stopAt int, opts ...Option) (*Agent, *recordingSleeper) {
	t.Helper()
	sl := &recordingSleeper{stopAt: stopAt}
	opts = append([]Option{WithSleeper(sl.sleep), WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	a, err := New(cfg, exec, stats, testLogger(), opts...)
	require.NoError(t, err)
	sl.agent = a
	return a, sl
}

func TestRunRecordIncrementsCounterAndSchedulesDelay(t *testing.T) {
	exec := &fakeExecutor{}
	a, sl := newTestAgent(t, testConfig(), exec, nil, 1, WithActionSource(always(ActionRecord)))

	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, int64(0), a.SuccessCount())

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, int64(1), a.SuccessCount())
	assert.Equal(t, []string{chain.MethodRecordActivity}, exec.calls())
	require.Len(t, sl.waits, 1)
	assert.GreaterOrEqual(t, sl.waits[0], 30*time.Minute)
	assert.LessOrEqual(t, sl.waits[0], 90*time.Minute)
	assert.Equal(t, StateStopped, a.State())
}

func TestFailedActionCoolsDownThenRetries(t *testing.T) {
	exec := &fakeExecutor{submitErrs: []error{errors.New("nonce too low")}}
	a, sl := newTestAgent(t, testConfig(), exec, nil, 2, WithActionSource(always(ActionPing)))

	require.NoError(t, a.Run(context.Background()))

	assert.Len(t, exec.calls(), 2, "loop must attempt again after a failure")
	require.Len(t, sl.waits, 2)
	assert.Equal(t, DefaultErrorCooldown, sl.waits[0])
	assert.GreaterOrEqual(t, sl.waits[1], 30*time.Minute)
	assert.Equal(t, int64(1), a.SuccessCount())
}

func TestConfirmTimeoutCountsAsFailure(t *testing.T) {
	exec := &fakeExecutor{awaitErr: fmt.Errorf("%w after 3m0s", chain.ErrConfirmTimeout)}
	cfg := testConfig()
	cfg.ErrorCooldown = time.Minute
	a, sl := newTestAgent(t, cfg, exec, nil, 1, WithActionSource(always(ActionRecord)))

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, int64(0), a.SuccessCount())
	assert.Equal(t, []time.Duration{time.Minute}, sl.waits)
}

func TestExecuteReportsOutcome(t *testing.T) {
	exec := &fakeExecutor{awaitErr: fmt.Errorf("%w after 1s", chain.ErrConfirmTimeout)}
	a, _ := newTestAgent(t, testConfig(), exec, nil, 1, WithActionSource(always(ActionBatch)))

	out := a.execute(context.Background())
	assert.False(t, out.Success)
	assert.True(t, out.TimedOut)
	assert.Equal(t, "timeout", out.Result())
	assert.NotEqual(t, common.Hash{}, out.TxHash)

	exec.awaitErr = nil
	out = a.execute(context.Background())
	assert.True(t, out.Success)
	assert.Equal(t, "confirmed", out.Result())
	assert.Equal(t, uint64(100), out.BlockNumber)
	assert.Equal(t, uint64(45000), out.GasUsed)

	exec.submitErrs = []error{errors.New("insufficient funds")}
	out = a.execute(context.Background())
	assert.Equal(t, "failed", out.Result())
	assert.Equal(t, common.Hash{}, out.TxHash)
}

func TestActionArgumentsReachExecutor(t *testing.T) {
	exec := &fakeExecutor{}
	next := func() Action { return Action{Kind: ActionBatch, Count: 5} }
	a, _ := newTestAgent(t, testConfig(), exec, nil, 1, WithActionSource(next))

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, exec.args, 1)
	assert.Equal(t, []any{big.NewInt(5)}, exec.args[0])
}

func TestStartupStatsFailureIsSwallowed(t *testing.T) {
	stats := &fakeStats{err: errors.New("no contract code at given address")}
	exec := &fakeExecutor{}
	a, _ := newTestAgent(t, testConfig(), exec, stats, 1, WithActionSource(always(ActionRecord)))

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 1, stats.calls)
	assert.Equal(t, int64(1), a.SuccessCount())
}

func TestStopInterruptsSleep(t *testing.T) {
	cfg := testConfig()
	cfg.MinDelay = time.Hour
	cfg.MaxDelay = time.Hour
	a, err := New(cfg, &fakeExecutor{}, nil, testLogger(), WithActionSource(always(ActionRecord)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	require.Eventually(t, func() bool { return a.State() == StateSleeping }, 2*time.Second, 5*time.Millisecond)
	a.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop during sleep")
	}
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, int64(1), a.SuccessCount())
}

func TestCancelDoesNotAbandonInFlightAction(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	a, err := New(testConfig(), exec, nil, testLogger(), WithActionSource(always(ActionRecord)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.State() == StateConfirming }, 2*time.Second, 5*time.Millisecond)
	cancel()
	a.Stop()
	assert.Equal(t, StateStopping, a.State())

	select {
	case <-done:
		t.Fatal("Run returned while a transaction was still confirming")
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the in-flight action finished")
	}

	assert.Equal(t, int64(1), a.SuccessCount())
	assert.NoError(t, exec.awaitCtx.Err(), "await must not observe the cancellation")
	assert.Equal(t, StateStopped, a.State())
}

func TestRunTwiceFails(t *testing.T) {
	a, _ := newTestAgent(t, testConfig(), &fakeExecutor{}, nil, 1, WithActionSource(always(ActionRecord)))
	require.NoError(t, a.Run(context.Background()))
	require.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRunning)
}

func TestStopBeforeRunAndTwice(t *testing.T) {
	exec := &fakeExecutor{}
	a, err := New(testConfig(), exec, nil, testLogger())
	require.NoError(t, err)

	a.Stop()
	a.Stop()
	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, exec.calls())
	assert.Equal(t, StateStopped, a.State())
}

func TestNewRejectsInvalidDelays(t *testing.T) {
	tests := []struct {
		name     string
		min, max time.Duration
	}{
		{name: "zero min", min: 0, max: time.Minute},
		{name: "negative min", min: -time.Second, max: time.Minute},
		{name: "max below min", min: time.Hour, max: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MinDelay, cfg.MaxDelay = tt.min, tt.max
			_, err := New(cfg, &fakeExecutor{}, nil, testLogger())
			require.Error(t, err)
		})
	}
}

func TestSummary(t *testing.T) {
	a, err := New(testConfig(), &fakeExecutor{}, nil, testLogger())
	require.NoError(t, err)

	s := a.Summary()
	assert.Equal(t, 20, s.TargetPerDay)
	assert.Equal(t, 24, s.EstimatedPerDay)
	assert.Equal(t, time.Hour, s.AvgDelay)
	assert.Equal(t, int64(0), s.SuccessfulActions)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "sleeping", StateSleeping.String())
	assert.Equal(t, "state(42)", State(42).String())
}
