// Package monitor polls the activity contract, the wallet balance and the
// leaderboard, and renders the results as a terminal report.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/leaderboard"
	"github.com/flipbattle/pulse/internal/telemetry"
)

// Fetch sources, used in logs and the fetch_failures metric.
const (
	SourceStats       = "stats"
	SourceBalance     = "balance"
	SourceRecent      = "recent"
	SourceLeaderboard = "leaderboard"
)

// ActivityReader reads the activity contract. *chain.ActivityContract
// satisfies it.
type ActivityReader interface {
	Stats(ctx context.Context, user common.Address) (chain.ActivityStats, error)
	RecentActivity(ctx context.Context, user common.Address, fromBlock, toBlock uint64) ([]chain.ActivityRecord, error)
}

// BalanceReader reads account state. *ethclient.Client satisfies it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ScoreReader fetches the leaderboard entry. *leaderboard.Client satisfies it.
type ScoreReader interface {
	Score(ctx context.Context, address common.Address) (*leaderboard.Score, error)
}

// CollectorConfig parameterises a Collector.
type CollectorConfig struct {
	Contract       common.Address
	Wallet         common.Address
	DailyGasCost   *big.Int
	FetchTimeout   time.Duration // per source; default 30s
	LookbackBlocks uint64        // 0 disables the recent-activity scan
	TxLogCapacity  int
}

// Collector gathers one Snapshot per Refresh. Refresh must not be called
// concurrently; the Monitor loop is its only caller.
type Collector struct {
	cfg      CollectorConfig
	activity ActivityReader
	chain    BalanceReader
	scores   ScoreReader
	txlog    *TxLog
	logger   *slog.Logger
	now      func() time.Time

	last atomic.Pointer[Snapshot]

	tracer   trace.Tracer
	failures metric.Int64Counter
}

// NewCollector builds a collector. scores may be nil when the leaderboard is
// not configured.
func NewCollector(cfg CollectorConfig, activity ActivityReader, backend BalanceReader, scores ScoreReader, logger *slog.Logger) *Collector {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	c := &Collector{
		cfg:      cfg,
		activity: activity,
		chain:    backend,
		scores:   scores,
		txlog:    NewTxLog(cfg.TxLogCapacity),
		logger:   logger,
		now:      time.Now,
		tracer:   telemetry.Tracer("pulse/monitor"),
	}
	c.registerMetrics()
	return c
}

// Last returns the most recent snapshot, or nil before the first refresh.
func (c *Collector) Last() *Snapshot { return c.last.Load() }

// Refresh runs every fetch concurrently and waits for all of them. A failed
// fetch marks only its own field; Refresh itself never fails.
func (c *Collector) Refresh(ctx context.Context) *Snapshot {
	ctx, span := c.tracer.Start(ctx, "monitor.refresh")
	defer span.End()

	snap := &Snapshot{
		TakenAt:      c.now(),
		Contract:     c.cfg.Contract,
		Wallet:       c.cfg.Wallet,
		DailyGasCost: c.cfg.DailyGasCost,
	}

	// Each goroutine owns one field of snap. None returns an error, so one
	// failure never cancels its siblings.
	var g errgroup.Group
	g.Go(func() error {
		snap.Stats = fetch(ctx, c, SourceStats, func(ctx context.Context) (chain.ActivityStats, error) {
			return c.activity.Stats(ctx, c.cfg.Wallet)
		})
		return nil
	})
	g.Go(func() error {
		snap.Balance = fetch(ctx, c, SourceBalance, func(ctx context.Context) (*big.Int, error) {
			return c.chain.BalanceAt(ctx, c.cfg.Wallet, nil)
		})
		return nil
	})
	g.Go(func() error {
		if c.cfg.LookbackBlocks == 0 {
			snap.Recent = NotConfigured[[]chain.ActivityRecord]()
			return nil
		}
		snap.Recent = fetch(ctx, c, SourceRecent, c.recentActivity)
		return nil
	})
	g.Go(func() error {
		if c.scores == nil {
			snap.Score = NotConfigured[*leaderboard.Score]()
			return nil
		}
		snap.Score = fetch(ctx, c, SourceLeaderboard, func(ctx context.Context) (*leaderboard.Score, error) {
			return c.scores.Score(ctx, c.cfg.Wallet)
		})
		return nil
	})
	_ = g.Wait()

	if records, ok := snap.Recent.Get(); ok {
		for _, r := range records {
			c.txlog.Add(TxEntry{Hash: r.TxHash, Kind: r.Kind, BlockNumber: r.BlockNumber, Timestamp: r.Timestamp})
		}
	}
	snap.RecentTxs = c.txlog.Entries()

	if failed := snap.Failures(); len(failed) > 0 {
		span.SetAttributes(attribute.StringSlice("failed_sources", failed))
		span.SetStatus(codes.Error, "partial refresh")
	}
	c.last.Store(snap)
	c.logger.Debug("refresh complete", "health", snap.Health().String(), "failed", snap.Failures())
	return snap
}

// recentActivity scans the lookback window ending at the current head.
func (c *Collector) recentActivity(ctx context.Context) ([]chain.ActivityRecord, error) {
	head, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: block number: %w", err)
	}
	var from uint64
	if head > c.cfg.LookbackBlocks {
		from = head - c.cfg.LookbackBlocks
	}
	return c.activity.RecentActivity(ctx, c.cfg.Wallet, from, head)
}

// fetch runs fn under the per-source timeout and records a failure.
func fetch[T any](ctx context.Context, c *Collector, source string, fn func(context.Context) (T, error)) Result[T] {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	v, err := fn(ctx)
	if err != nil {
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
		c.logger.Warn("fetch failed", "source", source, "error", err)
		return Failed[T](err)
	}
	return OK(v)
}

func (c *Collector) registerMetrics() {
	meter := telemetry.Meter("pulse/monitor")

	c.failures, _ = meter.Int64Counter("pulse.monitor.fetch_failures",
		metric.WithDescription("Failed fetches by source"),
	)
	_, _ = meter.Float64ObservableGauge("pulse.monitor.balance_wei",
		metric.WithDescription("Wallet balance at the last successful read"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			if s := c.Last(); s != nil {
				if bal, ok := s.Balance.Get(); ok {
					f, _ := new(big.Float).SetInt(bal).Float64()
					o.Observe(f)
				}
			}
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("pulse.monitor.activity_count",
		metric.WithDescription("On-chain activity count for the wallet"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if s := c.Last(); s != nil {
				if st, ok := s.Stats.Get(); ok {
					o.Observe(saturateInt64(st.Count))
				}
			}
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("pulse.monitor.days_remaining",
		metric.WithDescription("Estimated days of gas runway"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if s := c.Last(); s != nil {
				if days, ok := s.DaysRemaining().Get(); ok {
					o.Observe(saturateInt64(days))
				}
			}
			return nil
		}),
	)
}
