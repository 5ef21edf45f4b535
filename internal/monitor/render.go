package monitor

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/leaderboard"
)

const (
	rule       = "────────────────────────────────────────────────────────────────────"
	boxWidth   = 68
	hashPrefix = 10
)

// View holds presentation settings that do not change between refreshes.
type View struct {
	Network            string        // e.g. "Base Mainnet"
	RefreshInterval    time.Duration // zero omits the auto-refresh line
	ExplorerURL        string
	LeaderboardPageURL string
}

// Render writes the report for snap. It only reads snap, so the same snapshot
// always renders to the same text.
func Render(w io.Writer, snap *Snapshot, v View) error {
	var b strings.Builder
	renderHeader(&b, snap, v)
	b.WriteByte('\n')
	renderHealth(&b, snap)
	b.WriteByte('\n')
	renderStats(&b, snap)
	b.WriteByte('\n')
	renderLeaderboard(&b, snap, v)
	b.WriteByte('\n')
	renderRecent(&b, snap)
	b.WriteByte('\n')
	renderFooter(&b, snap, v)

	_, err := io.WriteString(w, b.String())
	return err
}

func renderHeader(b *strings.Builder, snap *Snapshot, v View) {
	network := v.Network
	if network == "" {
		network = "Base Mainnet"
	}
	b.WriteString("╔" + strings.Repeat("═", boxWidth) + "╗\n")
	boxLine(b, "ACTIVITY MONITOR")
	boxLine(b, network+" · "+snap.TakenAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("╚" + strings.Repeat("═", boxWidth) + "╝\n")
}

func boxLine(b *strings.Builder, text string) {
	pad := boxWidth - 2 - len([]rune(text))
	if pad < 0 {
		pad = 0
	}
	b.WriteString("║  " + text + strings.Repeat(" ", pad) + "║\n")
}

func renderHealth(b *strings.Builder, snap *Snapshot) {
	switch snap.Health() {
	case HealthHealthy:
		fmt.Fprintf(b, "● HEALTHY   last activity %s\n", snap.TimeSinceLastActivity())
	case HealthInactive:
		since := snap.TimeSinceLastActivity()
		if since == "Never" {
			b.WriteString("○ INACTIVE  no activity recorded yet\n")
		} else {
			fmt.Fprintf(b, "○ INACTIVE  last activity %s, expected within %s\n", since, windowLabel())
		}
	default:
		b.WriteString("? UNKNOWN   stats unavailable\n")
	}
}

func renderStats(b *strings.Builder, snap *Snapshot) {
	section(b, "CONTRACT STATISTICS")
	field(b, "Contract", chain.ShortAddress(snap.Contract.Hex()))
	field(b, "Wallet", chain.ShortAddress(snap.Wallet.Hex()))

	if st, ok := snap.Stats.Get(); ok {
		field(b, "Total Activities", humanize.Comma(saturateInt64(st.Count)))
		field(b, "Last Activity", snap.TimeSinceLastActivity())
	} else {
		field(b, "Total Activities", "stats unavailable")
		field(b, "Last Activity", "stats unavailable")
	}

	if bal, ok := snap.Balance.Get(); ok {
		field(b, "Wallet Balance", chain.FormatEther(bal, 6)+" ETH")
	} else {
		field(b, "Wallet Balance", "balance unavailable")
	}
	field(b, "Est. Daily Cost", trimEther(snap)+" ETH")

	days := snap.DaysRemaining()
	if d, ok := days.Get(); ok {
		field(b, "Days Remaining", "~"+humanize.Comma(saturateInt64(d))+" days")
	} else {
		field(b, "Days Remaining", "unknown")
	}
}

func renderLeaderboard(b *strings.Builder, snap *Snapshot, v View) {
	section(b, "BUILDER LEADERBOARD")
	switch snap.Score.Status {
	case StatusOK:
		s := snap.Score.Value
		field(b, "Builder Score", strconv.FormatFloat(s.Score, 'f', -1, 64))
		field(b, "Current Rank", rank(s.Rank))
		field(b, "Weekly Rank", rank(s.WeeklyRank))
		rewards := s.Rewards
		if rewards == "" {
			rewards = "-"
		}
		field(b, "Rewards Earned", rewards)
		return
	case StatusNotConfigured:
		b.WriteString("   leaderboard not configured\n")
	default:
		b.WriteString("   " + scoreFailure(snap.Score.Err) + "\n")
	}
	if v.LeaderboardPageURL != "" {
		b.WriteString("   Check manually: " + v.LeaderboardPageURL + "\n")
	}
}

func renderRecent(b *strings.Builder, snap *Snapshot) {
	section(b, "RECENT ACTIVITY")
	if len(snap.RecentTxs) == 0 {
		if snap.Recent.Status == StatusFailed {
			b.WriteString("   recent activity unavailable\n")
		} else {
			b.WriteString("   No recent transactions. The agent may be starting up.\n")
		}
		return
	}
	for i, tx := range snap.RecentTxs {
		at := "--:--:--"
		if !tx.Timestamp.IsZero() {
			at = tx.Timestamp.Local().Format("15:04:05")
		}
		fmt.Fprintf(b, "   %2d. %-15s %s  %s...\n", i+1, tx.Kind, at, tx.Hash.Hex()[:hashPrefix])
	}
	if snap.Recent.Status == StatusFailed {
		b.WriteString("   (scan failed this cycle; showing earlier entries)\n")
	}
}

func renderFooter(b *strings.Builder, snap *Snapshot, v View) {
	b.WriteString(rule + "\n")
	if v.RefreshInterval > 0 {
		fmt.Fprintf(b, "Auto-refreshing every %s\n", v.RefreshInterval)
	}
	if v.ExplorerURL != "" {
		base := strings.TrimRight(v.ExplorerURL, "/")
		b.WriteString("Contract:    " + base + "/address/" + snap.Contract.Hex() + "\n")
		b.WriteString("Wallet:      " + base + "/address/" + snap.Wallet.Hex() + "\n")
	}
	if v.LeaderboardPageURL != "" {
		b.WriteString("Leaderboard: " + v.LeaderboardPageURL + "\n")
	}
	if v.RefreshInterval > 0 {
		b.WriteString("\nPress Ctrl+C to exit\n")
	}
}

func windowLabel() string {
	return strconv.Itoa(int(HealthyWindow/time.Hour)) + "h"
}

func section(b *strings.Builder, title string) {
	b.WriteString(title + "\n" + rule + "\n")
}

func field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "   %-18s %s\n", label+":", value)
}

func scoreFailure(err error) string {
	switch {
	case leaderboard.IsNotFound(err):
		return "not yet scored"
	case leaderboard.IsRateLimited(err):
		return "leaderboard unavailable (rate limited)"
	case leaderboard.IsUnauthorized(err):
		return "leaderboard unavailable (check LEADERBOARD_API_KEY)"
	default:
		return "leaderboard unavailable"
	}
}

func rank(n int) string {
	if n <= 0 {
		return "unranked"
	}
	return "#" + humanize.Comma(int64(n))
}

// trimEther renders the daily cost without trailing zeros.
func trimEther(snap *Snapshot) string {
	if snap.DailyGasCost == nil {
		return "0"
	}
	s := chain.FormatEther(snap.DailyGasCost, 18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
