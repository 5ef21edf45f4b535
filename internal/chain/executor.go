package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrConfirmTimeout means no receipt arrived within the confirmation
	// window. The transaction may still be included later.
	ErrConfirmTimeout = errors.New("chain: confirmation timed out")

	// ErrReverted means the transaction was included with a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
)

// Transactor sends contract transactions. *ActivityContract satisfies it.
type Transactor interface {
	Transact(opts *bind.TransactOpts, method string, args ...any) (*types.Transaction, error)
}

// ExecutorConfig bounds the executor's RPC work.
type ExecutorConfig struct {
	CallTimeout    time.Duration // submit (nonce, gas estimate, send)
	ConfirmTimeout time.Duration // receipt wait
}

// Executor encodes and submits contract calls from a single signer and waits
// for their receipts. It is not meant for concurrent submissions: one signer
// with one transaction in flight keeps nonces ordered.
type Executor struct {
	contract Transactor
	receipts bind.DeployBackend
	opts     *bind.TransactOpts
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates an executor that signs with opts.
func NewExecutor(contract Transactor, receipts bind.DeployBackend, opts *bind.TransactOpts, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 3 * time.Minute
	}
	return &Executor{
		contract: contract,
		receipts: receipts,
		opts:     opts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit packs and sends method with args. It returns once the node has
// accepted the transaction.
func (e *Executor) Submit(ctx context.Context, method string, args ...any) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	opts := *e.opts
	opts.Context = ctx
	tx, err := e.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: submit %s: %w", method, err)
	}
	e.logger.Debug("chain: transaction sent", "method", method, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	return tx, nil
}

// Await blocks until tx is included, the confirmation window expires, or ctx
// is cancelled. A single inclusion is treated as confirmed.
func (e *Executor) Await(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, e.receipts, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %s", ErrConfirmTimeout, e.cfg.ConfirmTimeout, tx.Hash().Hex())
		}
		return nil, fmt.Errorf("chain: await %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s in block %s", ErrReverted, tx.Hash().Hex(), receipt.BlockNumber)
	}
	return receipt, nil
}
