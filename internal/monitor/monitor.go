package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
)

// ErrAlreadyRunning is returned by Run when the monitor has already been started.
var ErrAlreadyRunning = errors.New("monitor: already running")

// clearScreen moves the cursor home and clears the terminal.
const clearScreen = "\033[H\033[2J"

// Refresher produces one snapshot per call. *Collector satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) *Snapshot
}

// Monitor redraws the report on a fixed cadence.
type Monitor struct {
	source   Refresher
	out      io.Writer
	view     View
	interval time.Duration
	clear    bool
	logger   *slog.Logger

	started   atomic.Bool
	refreshes atomic.Int64
}

// New returns a monitor that refreshes every view.RefreshInterval and writes
// to out. The screen is cleared before each redraw only when out is a terminal.
func New(source Refresher, out io.Writer, view View, logger *slog.Logger) *Monitor {
	interval := view.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		source:   source,
		out:      out,
		view:     view,
		interval: interval,
		clear:    IsTerminal(out),
		logger:   logger,
	}
}

// Refreshes returns the number of completed refresh cycles.
func (m *Monitor) Refreshes() int64 { return m.refreshes.Load() }

// Run refreshes immediately and then once per interval until ctx is done.
// Cycles run on this goroutine, so a slow refresh delays the next tick
// instead of overlapping it. A cycle already under way when ctx is cancelled
// still renders.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.logger.Info("monitor started", "interval", m.interval.String())

	m.cycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped", "refreshes", m.Refreshes())
			return nil
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// RunOnce performs a single refresh and render without clearing the screen.
func (m *Monitor) RunOnce(ctx context.Context) error {
	snap := m.source.Refresh(ctx)
	m.refreshes.Add(1)
	view := m.view
	view.RefreshInterval = 0
	return Render(m.out, snap, view)
}

func (m *Monitor) cycle(ctx context.Context) {
	snap := m.source.Refresh(context.WithoutCancel(ctx))
	m.refreshes.Add(1)

	var buf bytes.Buffer
	if m.clear {
		buf.WriteString(clearScreen)
	}
	if err := Render(&buf, snap, m.view); err != nil {
		m.logger.Error("render failed", "error", err)
		return
	}
	if _, err := m.out.Write(buf.Bytes()); err != nil {
		m.logger.Error("write report failed", "error", err)
	}
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
