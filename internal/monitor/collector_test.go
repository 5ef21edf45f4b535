package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/leaderboard"
)

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testWallet   = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeActivity struct {
	stats     chain.ActivityStats
	statsErr  error
	records   []chain.ActivityRecord
	recentErr error
	gate      func()

	mu       sync.Mutex
	from, to uint64
}

func (f *fakeActivity) Stats(context.Context, common.Address) (chain.ActivityStats, error) {
	if f.gate != nil {
		f.gate()
	}
	return f.stats, f.statsErr
}

func (f *fakeActivity) RecentActivity(_ context.Context, _ common.Address, from, to uint64) ([]chain.ActivityRecord, error) {
	f.mu.Lock()
	f.from, f.to = from, to
	f.mu.Unlock()
	return f.records, f.recentErr
}

type fakeBackend struct {
	balance    *big.Int
	balanceErr error
	head       uint64
	headErr    error
	gate       func()
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if f.gate != nil {
		f.gate()
	}
	return f.balance, f.balanceErr
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.headErr
}

type fakeScores struct {
	score *leaderboard.Score
	err   error
	block bool
	gate  func()
}

func (f *fakeScores) Score(ctx context.Context, _ common.Address) (*leaderboard.Score, error) {
	if f.gate != nil {
		f.gate()
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.score, f.err
}

func newTestCollector(t *testing.T, activity ActivityReader, backend BalanceReader, scores ScoreReader) *Collector {
	t.Helper()
	cfg := CollectorConfig{
		Contract:       testContract,
		Wallet:         testWallet,
		DailyGasCost:   ether(t, "0.00002"),
		FetchTimeout:   time.Second,
		LookbackBlocks: 100,
	}
	return NewCollector(cfg, activity, backend, scores, testLogger())
}

func TestRefreshAllSourcesSucceed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	activity := &fakeActivity{
		stats: chain.ActivityStats{Count: 1234, LastActivity: now.Add(-10 * time.Minute)},
		records: []chain.ActivityRecord{
			{TxHash: common.HexToHash("0x01"), BlockNumber: 950, Kind: "RECORD"},
			{TxHash: common.HexToHash("0x02"), BlockNumber: 990, Kind: "PING"},
		},
	}
	backend := &fakeBackend{balance: ether(t, "0.0005"), head: 1000}
	scores := &fakeScores{score: &leaderboard.Score{Score: 42, Rank: 7}}

	c := newTestCollector(t, activity, backend, scores)
	c.now = func() time.Time { return now }
	snap := c.Refresh(context.Background())

	assert.Equal(t, now, snap.TakenAt)
	assert.Equal(t, StatusOK, snap.Stats.Status)
	assert.Equal(t, StatusOK, snap.Balance.Status)
	assert.Equal(t, StatusOK, snap.Score.Status)
	assert.Equal(t, StatusOK, snap.Recent.Status)
	assert.Equal(t, HealthHealthy, snap.Health())
	assert.Empty(t, snap.Failures())

	assert.Equal(t, uint64(900), activity.from)
	assert.Equal(t, uint64(1000), activity.to)

	require.Len(t, snap.RecentTxs, 2)
	assert.Equal(t, "PING", snap.RecentTxs[0].Kind, "newest first")
	assert.Same(t, snap, c.Last())
}

func TestRefreshIsolatesFailures(t *testing.T) {
	activity := &fakeActivity{statsErr: errors.New("execution reverted")}
	backend := &fakeBackend{balance: ether(t, "0.0005"), head: 10}
	scores := &fakeScores{err: &leaderboard.Error{StatusCode: 503, Message: "down"}}

	snap := newTestCollector(t, activity, backend, scores).Refresh(context.Background())

	assert.Equal(t, StatusFailed, snap.Stats.Status)
	assert.EqualError(t, snap.Stats.Err, "execution reverted")
	bal, ok := snap.Balance.Get()
	require.True(t, ok)
	assert.Equal(t, 0, bal.Cmp(ether(t, "0.0005")))
	assert.Equal(t, StatusFailed, snap.Score.Status)
	assert.Equal(t, StatusOK, snap.Recent.Status)
	assert.ElementsMatch(t, []string{SourceStats, SourceLeaderboard}, snap.Failures())
}

func TestRefreshWithoutLeaderboard(t *testing.T) {
	snap := newTestCollector(t, &fakeActivity{}, &fakeBackend{balance: big.NewInt(0)}, nil).Refresh(context.Background())
	assert.Equal(t, StatusNotConfigured, snap.Score.Status)
	assert.Empty(t, snap.Failures())
}

func TestRefreshLookbackDisabled(t *testing.T) {
	activity := &fakeActivity{}
	c := newTestCollector(t, activity, &fakeBackend{balance: big.NewInt(0)}, nil)
	c.cfg.LookbackBlocks = 0

	snap := c.Refresh(context.Background())
	assert.Equal(t, StatusNotConfigured, snap.Recent.Status)
}

func TestRefreshLookbackNearGenesis(t *testing.T) {
	activity := &fakeActivity{}
	snap := newTestCollector(t, activity, &fakeBackend{balance: big.NewInt(0), head: 40}, nil).Refresh(context.Background())
	require.Equal(t, StatusOK, snap.Recent.Status)
	assert.Equal(t, uint64(0), activity.from)
	assert.Equal(t, uint64(40), activity.to)
}

func TestRefreshBlockNumberFailureMarksRecent(t *testing.T) {
	snap := newTestCollector(t, &fakeActivity{}, &fakeBackend{balance: big.NewInt(0), headErr: errors.New("eof")}, nil).Refresh(context.Background())
	assert.Equal(t, StatusFailed, snap.Recent.Status)
	assert.ErrorContains(t, snap.Recent.Err, "monitor: block number")
}

func TestRefreshTimesOutSlowSource(t *testing.T) {
	c := newTestCollector(t, &fakeActivity{}, &fakeBackend{balance: big.NewInt(1)}, &fakeScores{block: true})
	c.cfg.FetchTimeout = 50 * time.Millisecond

	start := time.Now()
	snap := c.Refresh(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusFailed, snap.Score.Status)
	assert.ErrorIs(t, snap.Score.Err, context.DeadlineExceeded)
	assert.Equal(t, StatusOK, snap.Balance.Status)
}

func TestRefreshRunsFetchesConcurrently(t *testing.T) {
	// Each gated fetch waits until all three have started. Run serially
	// this would time out.
	var started sync.WaitGroup
	started.Add(3)
	var timedOut atomic.Bool
	gate := func() {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			timedOut.Store(true)
		}
	}

	c := newTestCollector(t,
		&fakeActivity{gate: gate},
		&fakeBackend{balance: big.NewInt(1), gate: gate},
		&fakeScores{score: &leaderboard.Score{}, gate: gate},
	)
	c.Refresh(context.Background())
	assert.False(t, timedOut.Load(), "fetches did not overlap")
}

func TestRefreshAccumulatesTxLog(t *testing.T) {
	activity := &fakeActivity{records: []chain.ActivityRecord{
		{TxHash: common.HexToHash("0xa1"), Kind: "RECORD"},
	}}
	c := newTestCollector(t, activity, &fakeBackend{balance: big.NewInt(0), head: 500}, nil)
	c.Refresh(context.Background())

	activity.records = []chain.ActivityRecord{
		{TxHash: common.HexToHash("0xa1"), Kind: "RECORD"},
		{TxHash: common.HexToHash("0xa2"), Kind: "BATCH"},
	}
	snap := c.Refresh(context.Background())
	require.Len(t, snap.RecentTxs, 2)
	assert.Equal(t, "BATCH", snap.RecentTxs[0].Kind)

	// A failed scan keeps earlier entries.
	activity.recentErr = errors.New("query returned more than 10000 results")
	snap = c.Refresh(context.Background())
	assert.Equal(t, StatusFailed, snap.Recent.Status)
	assert.Len(t, snap.RecentTxs, 2)
}
