package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract entry points.
const (
	MethodRecordActivity      = "recordActivity"
	MethodStoreMessage        = "storeMessage"
	MethodPingContract        = "pingContract"
	MethodBatchRecordActivity = "batchRecordActivity"
	MethodGetActivityStats    = "getActivityStats"

	EventActivityRecorded = "ActivityRecorded"
)

// ActivityABI is the interface of the deployed activity generator contract.
const ActivityABI = `[
	{"type":"function","name":"recordActivity","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"storeMessage","inputs":[{"name":"message","type":"string"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"pingContract","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"batchRecordActivity","inputs":[{"name":"count","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"getActivityStats","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"count","type":"uint256"},{"name":"timestamp","type":"uint256"}],"stateMutability":"view"},
	{"type":"event","name":"ActivityRecorded","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"timestamp","type":"uint256","indexed":false},
		{"name":"activityType","type":"bytes32","indexed":false}
	]}
]`

// ErrUnexpectedOutput is returned when a view call decodes to the wrong shape.
var ErrUnexpectedOutput = errors.New("chain: unexpected contract output")

var parsedABI = mustParseABI(ActivityABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse activity ABI: %v", err))
	}
	return parsed
}

// ActivityStats is the per-address counter pair kept by the contract.
type ActivityStats struct {
	Count        uint64
	LastActivity time.Time // zero when the address has never been recorded
}

// ActivityRecord is one decoded ActivityRecorded event.
type ActivityRecord struct {
	TxHash      common.Hash
	BlockNumber uint64
	Timestamp   time.Time
	Kind        string
}

// ActivityContract is a typed binding over the activity contract.
type ActivityContract struct {
	address  common.Address
	bound    *bind.BoundContract
	filterer bind.ContractFilterer
}

// NewActivityContract binds the contract at address. Any of caller,
// transactor and filterer may be nil when the process never uses them.
func NewActivityContract(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) *ActivityContract {
	return &ActivityContract{
		address:  address,
		bound:    bind.NewBoundContract(address, parsedABI, caller, transactor, filterer),
		filterer: filterer,
	}
}

// Transact packs method with args, signs with opts and sends the transaction.
func (c *ActivityContract) Transact(opts *bind.TransactOpts, method string, args ...any) (*types.Transaction, error) {
	return c.bound.Transact(opts, method, args...)
}

// Stats reads the activity counter and last activity time for user.
func (c *ActivityContract) Stats(ctx context.Context, user common.Address) (ActivityStats, error) {
	var out []any
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, MethodGetActivityStats, user); err != nil {
		return ActivityStats{}, fmt.Errorf("chain: %s: %w", MethodGetActivityStats, err)
	}
	return decodeStats(out)
}

func decodeStats(out []any) (ActivityStats, error) {
	if len(out) != 2 {
		return ActivityStats{}, fmt.Errorf("%w: %d values", ErrUnexpectedOutput, len(out))
	}
	count, ok1 := out[0].(*big.Int)
	ts, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return ActivityStats{}, fmt.Errorf("%w: %T, %T", ErrUnexpectedOutput, out[0], out[1])
	}
	stats := ActivityStats{Count: count.Uint64()}
	if ts.Sign() > 0 {
		stats.LastActivity = time.Unix(ts.Int64(), 0).UTC()
	}
	return stats, nil
}

// activityRecorded mirrors the event's fields for UnpackLog.
type activityRecorded struct {
	User         common.Address
	Timestamp    *big.Int
	ActivityType [32]byte
}

// RecentActivity returns ActivityRecorded events for user between fromBlock
// and toBlock inclusive, oldest first.
func (c *ActivityContract) RecentActivity(ctx context.Context, user common.Address, fromBlock, toBlock uint64) ([]ActivityRecord, error) {
	if c.filterer == nil {
		return nil, fmt.Errorf("chain: recent activity: no log filterer")
	}
	topics, err := abi.MakeTopics([]any{user})
	if err != nil {
		return nil, fmt.Errorf("chain: recent activity topics: %w", err)
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    append([][]common.Hash{{parsedABI.Events[EventActivityRecorded].ID}}, topics...),
	}
	logs, err := c.filterer.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter %s logs: %w", EventActivityRecorded, err)
	}

	records := make([]ActivityRecord, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		var ev activityRecorded
		if err := c.bound.UnpackLog(&ev, EventActivityRecorded, lg); err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", EventActivityRecorded, err)
		}
		rec := ActivityRecord{
			TxHash:      lg.TxHash,
			BlockNumber: lg.BlockNumber,
			Kind:        decodeKind(ev.ActivityType),
		}
		if ev.Timestamp != nil && ev.Timestamp.Sign() > 0 {
			rec.Timestamp = time.Unix(ev.Timestamp.Int64(), 0).UTC()
		}
		records = append(records, rec)
	}
	return records, nil
}

// kindHexBytes is how much of a non-text tag is shown, "0x" plus 12 hex
// digits.
const kindHexBytes = 6

// decodeKind turns a right-zero-padded bytes32 tag into a string. Tags that
// are not printable text, such as hashed tags, come back as a short hex
// prefix.
func decodeKind(tag [32]byte) string {
	raw := bytes.TrimRight(tag[:], "\x00")
	if len(raw) == 0 {
		return "UNKNOWN"
	}
	if utf8.Valid(raw) && strings.IndexFunc(string(raw), func(r rune) bool { return !unicode.IsPrint(r) }) < 0 {
		return string(raw)
	}
	return "0x" + common.Bytes2Hex(tag[:kindHexBytes])
}
