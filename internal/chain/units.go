package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var weiPerEther = big.NewInt(params.Ether)

// ParseEther converts a decimal ether amount such as "0.00002" to wei.
// Amounts finer than one wei are rejected.
func ParseEther(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("chain: %q is not a decimal amount", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("chain: %q is negative", s)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	if !r.IsInt() {
		return nil, fmt.Errorf("chain: %q has more than 18 decimals", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther renders wei as ether with the given number of decimals,
// rounding half away from zero.
func FormatEther(wei *big.Int, decimals int) string {
	if wei == nil {
		return "0"
	}
	return new(big.Rat).SetFrac(wei, weiPerEther).FloatString(decimals)
}

// ShortAddress abbreviates a hex address to 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
