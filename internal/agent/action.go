package agent

import (
	"math/big"
	"math/rand/v2"

	"github.com/flipbattle/pulse/internal/chain"
)

// ActionKind identifies one of the contract operations the agent may invoke.
type ActionKind string

const (
	ActionRecord  ActionKind = "RECORD"
	ActionMessage ActionKind = "MESSAGE"
	ActionPing    ActionKind = "PING"
	ActionBatch   ActionKind = "BATCH"
)

func (k ActionKind) String() string { return string(k) }

// Batch repetition bounds, inclusive.
const (
	MinBatchCount = 3
	MaxBatchCount = 7
)

// Messages is the fixed phrase set for storeMessage.
var Messages = []string{
	"Building on Base 🔵",
	"GM from Base!",
	"Flip Battle activity",
	"Testing WalletConnect integration",
	"Base Builder Rewards",
	"Onchain activity generation",
	"Automated transactions",
	"Smart contract interaction",
}

// Action is a fully parameterised contract call.
type Action struct {
	Kind    ActionKind
	Message string // set for ActionMessage
	Count   int    // set for ActionBatch
}

// Method returns the contract entry point for the action.
func (a Action) Method() string {
	switch a.Kind {
	case ActionMessage:
		return chain.MethodStoreMessage
	case ActionPing:
		return chain.MethodPingContract
	case ActionBatch:
		return chain.MethodBatchRecordActivity
	default:
		return chain.MethodRecordActivity
	}
}

// Args returns the ABI arguments for Method.
func (a Action) Args() []any {
	switch a.Kind {
	case ActionMessage:
		return []any{a.Message}
	case ActionBatch:
		return []any{big.NewInt(int64(a.Count))}
	default:
		return nil
	}
}

// Weight is the share of draws that pick Kind.
type Weight struct {
	Kind  ActionKind
	Share float64
}

// DefaultWeights is the fixed action mix.
var DefaultWeights = []Weight{
	{Kind: ActionRecord, Share: 0.4},
	{Kind: ActionMessage, Share: 0.2},
	{Kind: ActionPing, Share: 0.2},
	{Kind: ActionBatch, Share: 0.2},
}

// Selector draws actions from a weighted distribution. Not safe for
// concurrent use; the agent loop is its only caller.
type Selector struct {
	rng     *rand.Rand
	weights []Weight
	total   float64
}

// NewSelector returns a selector over weights drawing from rng.
func NewSelector(rng *rand.Rand, weights []Weight) *Selector {
	var total float64
	for _, w := range weights {
		total += w.Share
	}
	return &Selector{rng: rng, weights: weights, total: total}
}

// Kind draws an action kind.
func (s *Selector) Kind() ActionKind {
	r := s.rng.Float64() * s.total
	for _, w := range s.weights {
		if r < w.Share {
			return w.Kind
		}
		r -= w.Share
	}
	return s.weights[len(s.weights)-1].Kind
}

// Next draws a kind and fills in its parameters.
func (s *Selector) Next() Action {
	a := Action{Kind: s.Kind()}
	switch a.Kind {
	case ActionMessage:
		a.Message = Messages[s.rng.IntN(len(Messages))]
	case ActionBatch:
		a.Count = MinBatchCount + s.rng.IntN(MaxBatchCount-MinBatchCount+1)
	}
	return a
}
