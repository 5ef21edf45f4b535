package monitor

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/leaderboard"
)

// HealthyWindow is how recent the last activity must be, exclusive, for the
// agent to count as healthy.
const HealthyWindow = 2 * time.Hour

// Health is the banner state of a snapshot.
type Health int

const (
	HealthUnknown  Health = iota // stats unavailable
	HealthHealthy                // activity within HealthyWindow
	HealthInactive               // no activity, or none recently
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Snapshot is everything one refresh observed. It is rebuilt every cycle and
// never mutated after Refresh returns.
type Snapshot struct {
	TakenAt  time.Time
	Contract common.Address
	Wallet   common.Address

	Stats   Result[chain.ActivityStats]
	Balance Result[*big.Int]
	Score   Result[*leaderboard.Score]
	Recent  Result[[]chain.ActivityRecord]

	// RecentTxs is the bounded log as of this refresh, most recent first.
	RecentTxs    []TxEntry
	DailyGasCost *big.Int
}

// TimeSinceLastActivity renders the age of the last recorded activity, or ""
// when stats are unavailable.
func (s *Snapshot) TimeSinceLastActivity() string {
	st, ok := s.Stats.Get()
	if !ok {
		return ""
	}
	return FormatTimeSince(s.TakenAt, st.LastActivity)
}

// Health derives the banner state from the stats fetch.
func (s *Snapshot) Health() Health {
	st, ok := s.Stats.Get()
	if !ok {
		return HealthUnknown
	}
	if IsHealthy(s.TakenAt, st.LastActivity) {
		return HealthHealthy
	}
	return HealthInactive
}

// DaysRemaining derives runway from the balance fetch.
func (s *Snapshot) DaysRemaining() Result[uint64] {
	bal, ok := s.Balance.Get()
	if !ok {
		if s.Balance.Status == StatusFailed {
			return Failed[uint64](s.Balance.Err)
		}
		return Result[uint64]{Status: s.Balance.Status}
	}
	days, err := DaysRemaining(bal, s.DailyGasCost)
	if err != nil {
		return Failed[uint64](err)
	}
	return OK(days)
}

// Failures lists the sources whose fetch failed this cycle.
func (s *Snapshot) Failures() []string {
	var out []string
	if s.Stats.Status == StatusFailed {
		out = append(out, SourceStats)
	}
	if s.Balance.Status == StatusFailed {
		out = append(out, SourceBalance)
	}
	if s.Recent.Status == StatusFailed {
		out = append(out, SourceRecent)
	}
	if s.Score.Status == StatusFailed {
		out = append(out, SourceLeaderboard)
	}
	return out
}

// IsHealthy reports whether last is strictly less than HealthyWindow before
// now. A zero last means the wallet never acted.
func IsHealthy(now, last time.Time) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < HealthyWindow
}

var errNoDailyCost = errors.New("monitor: daily gas cost must be positive")

// DaysRemaining is floor(balance / dailyCost) computed on wei, so it is exact.
func DaysRemaining(balance, dailyCost *big.Int) (uint64, error) {
	if dailyCost == nil || dailyCost.Sign() <= 0 {
		return 0, errNoDailyCost
	}
	if balance == nil || balance.Sign() <= 0 {
		return 0, nil
	}
	q := new(big.Int).Quo(balance, dailyCost)
	if !q.IsUint64() {
		return math.MaxUint64, nil
	}
	return q.Uint64(), nil
}

// FormatTimeSince buckets now-t into "Ns ago", "Nm ago", "Nh ago" or
// "Nd ago". A zero t renders as "Never".
func FormatTimeSince(now, t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	secs := int64(now.Sub(t) / time.Second)
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds ago", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm ago", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh ago", secs/3600)
	default:
		return fmt.Sprintf("%dd ago", secs/86400)
	}
}

// saturateInt64 converts a counter for int64 consumers, capping at MaxInt64.
func saturateInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}
