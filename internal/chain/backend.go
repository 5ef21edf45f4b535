// Package chain wraps the Ethereum JSON-RPC client, the activity contract
// binding, and the submit/await executor used by the agent and the monitor.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the RPC client both processes depend on.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend

	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to the RPC endpoint at url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return client, nil
}

// ChainIDReader reports the chain id of the connected node.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// ResolveChainID returns configured when it is non-zero, otherwise asks the
// backend.
func ResolveChainID(ctx context.Context, b ChainIDReader, configured int64) (*big.Int, error) {
	if configured > 0 {
		return big.NewInt(configured), nil
	}
	id, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: query chain id: %w", err)
	}
	return id, nil
}

// WaitForChainID resolves the chain id like ResolveChainID but keeps retrying
// every retry interval until the node answers or ctx is done. Each attempt is
// bounded by attemptTimeout.
func WaitForChainID(ctx context.Context, b ChainIDReader, configured int64, attemptTimeout, retry time.Duration, logger *slog.Logger) (*big.Int, error) {
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		id, err := ResolveChainID(actx, b, configured)
		cancel()
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("chain id unavailable, retrying",
			"attempt", attempt,
			"retry_in", retry.String(),
			"error", err,
		)
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// NetworkName labels well-known chain ids for display.
func NetworkName(id *big.Int) string {
	if id == nil {
		return "unknown network"
	}
	switch id.Uint64() {
	case 8453:
		return "Base Mainnet"
	case 84532:
		return "Base Sepolia"
	case 1:
		return "Ethereum Mainnet"
	case 11155111:
		return "Sepolia"
	case 31337:
		return "Local Devnet"
	default:
		return "Chain " + id.String()
	}
}
