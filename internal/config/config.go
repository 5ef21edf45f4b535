// Package config loads and validates process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/flipbattle/pulse/internal/chain"
)

// Defaults shared by both processes.
const (
	DefaultRPCURL      = "https://mainnet.base.org"
	DefaultExplorerURL = "https://basescan.org"
	DefaultDailyGas    = "0.00002"
)

// Common holds settings both processes read.
type Common struct {
	RPCURL      string
	CallTimeout time.Duration // per RPC read or submit
	ExplorerURL string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// AgentConfig configures pulse-agent.
type AgentConfig struct {
	Common

	PrivateKey      string // hex, never logged
	PrivateKeyVar   string // variable PrivateKey was read from
	ContractAddress common.Address
	ChainID         int64 // 0 asks the RPC

	MinDelay            time.Duration
	MaxDelay            time.Duration
	TargetActionsPerDay int
	ErrorCooldown       time.Duration
	ConfirmTimeout      time.Duration
}

// MonitorConfig configures pulse-monitor.
type MonitorConfig struct {
	Common

	ContractAddress common.Address
	WalletAddress   common.Address

	RefreshInterval   time.Duration
	DailyGasCost      *big.Int // wei per day
	LogLookbackBlocks uint64

	// Leaderboard settings. An empty URL disables the fetch.
	LeaderboardURL     string
	LeaderboardAPIKey  string
	LeaderboardPageURL string
	LeaderboardRPM     int
}

// LoadAgent reads the agent configuration.
func LoadAgent() (AgentConfig, error) {
	var l loader
	keyVar, key := firstEnv("PRIVATE_KEY", "ACTIVITY_PRIVATE_KEY")
	cfg := AgentConfig{
		Common:              l.common("pulse-agent"),
		PrivateKey:          key,
		PrivateKeyVar:       keyVar,
		ChainID:             l.int64Var("PULSE_CHAIN_ID", 0),
		MinDelay:            l.durationVar("PULSE_MIN_DELAY", 30*time.Minute),
		MaxDelay:            l.durationVar("PULSE_MAX_DELAY", 90*time.Minute),
		TargetActionsPerDay: l.intVar("PULSE_TARGET_ACTIONS_PER_DAY", 20),
		ErrorCooldown:       l.durationVar("PULSE_ERROR_COOLDOWN", 5*time.Minute),
		ConfirmTimeout:      l.durationVar("PULSE_CONFIRM_TIMEOUT", 3*time.Minute),
	}
	cfg.ContractAddress = l.address("ACTIVITY_CONTRACT_ADDRESS")
	if err := l.err(); err != nil {
		return AgentConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c AgentConfig) Validate() error {
	if c.PrivateKey == "" {
		return errors.New("config: PRIVATE_KEY or ACTIVITY_PRIVATE_KEY is required")
	}
	if _, err := chain.ParsePrivateKey(c.PrivateKey); err != nil {
		src := c.PrivateKeyVar
		if src == "" {
			src = "PRIVATE_KEY"
		}
		return fmt.Errorf("config: %s is not a valid hex private key", src)
	}
	if c.ContractAddress == (common.Address{}) {
		return errors.New("config: ACTIVITY_CONTRACT_ADDRESS is required")
	}
	if c.MinDelay <= 0 {
		return errors.New("config: PULSE_MIN_DELAY must be positive")
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("config: PULSE_MAX_DELAY (%s) must not be below PULSE_MIN_DELAY (%s)", c.MaxDelay, c.MinDelay)
	}
	if c.ErrorCooldown <= 0 {
		return errors.New("config: PULSE_ERROR_COOLDOWN must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("config: PULSE_CONFIRM_TIMEOUT must be positive")
	}
	if c.ChainID < 0 {
		return errors.New("config: PULSE_CHAIN_ID must not be negative")
	}
	return c.Common.validate()
}

// LoadMonitor reads the monitor configuration.
func LoadMonitor() (MonitorConfig, error) {
	var l loader
	cfg := MonitorConfig{
		Common:             l.common("pulse-monitor"),
		RefreshInterval:    l.durationVar("PULSE_REFRESH_INTERVAL", 30*time.Second),
		DailyGasCost:       l.ether("PULSE_EST_DAILY_GAS", DefaultDailyGas),
		LogLookbackBlocks:  l.uint64Var("PULSE_LOG_LOOKBACK_BLOCKS", 5000),
		LeaderboardURL:     envStr("LEADERBOARD_URL", ""),
		LeaderboardAPIKey:  envStr("LEADERBOARD_API_KEY", ""),
		LeaderboardPageURL: envStr("LEADERBOARD_PAGE_URL", "https://builderscore.xyz"),
		LeaderboardRPM:     l.intVar("LEADERBOARD_REQUESTS_PER_MINUTE", 10),
	}
	cfg.ContractAddress = l.address("ACTIVITY_CONTRACT_ADDRESS")
	cfg.WalletAddress = l.wallet()
	if err := l.err(); err != nil {
		return MonitorConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return MonitorConfig{}, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c MonitorConfig) Validate() error {
	if c.ContractAddress == (common.Address{}) {
		return errors.New("config: ACTIVITY_CONTRACT_ADDRESS is required")
	}
	if c.WalletAddress == (common.Address{}) {
		return errors.New("config: WALLET_ADDRESS or PRIVATE_KEY is required")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("config: PULSE_REFRESH_INTERVAL must be positive")
	}
	if c.DailyGasCost == nil || c.DailyGasCost.Sign() <= 0 {
		return errors.New("config: PULSE_EST_DAILY_GAS must be positive")
	}
	if c.LeaderboardRPM <= 0 {
		return errors.New("config: LEADERBOARD_REQUESTS_PER_MINUTE must be positive")
	}
	return c.Common.validate()
}

func (c Common) validate() error {
	if c.RPCURL == "" {
		return errors.New("config: PULSE_RPC_URL must not be empty")
	}
	if c.CallTimeout <= 0 {
		return errors.New("config: PULSE_CALL_TIMEOUT must be positive")
	}
	return nil
}

// loader collects every malformed variable so one run reports them all.
type loader struct {
	errs []error
}

func (l *loader) fail(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *loader) err() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(l.errs...))
}

func (l *loader) common(service string) Common {
	return Common{
		RPCURL:       envStr("PULSE_RPC_URL", DefaultRPCURL),
		CallTimeout:  l.durationVar("PULSE_CALL_TIMEOUT", 30*time.Second),
		ExplorerURL:  envStr("PULSE_EXPLORER_URL", DefaultExplorerURL),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", service),
		OTELInsecure: l.boolVar("OTEL_INSECURE", false),
		LogLevel:     envStr("PULSE_LOG_LEVEL", "info"),
	}
}

func (l *loader) intVar(key string, def int) int {
	v, err := envInt(key, def)
	l.fail(err)
	return v
}

func (l *loader) int64Var(key string, def int64) int64 {
	v, err := envInt64(key, def)
	l.fail(err)
	return v
}

func (l *loader) uint64Var(key string, def uint64) uint64 {
	v, err := envUint64(key, def)
	l.fail(err)
	return v
}

func (l *loader) boolVar(key string, def bool) bool {
	v, err := envBool(key, def)
	l.fail(err)
	return v
}

func (l *loader) durationVar(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	l.fail(err)
	return v
}

func (l *loader) ether(key, def string) *big.Int {
	raw := envStr(key, def)
	wei, err := chain.ParseEther(raw)
	if err != nil {
		l.fail(fmt.Errorf("%s=%q is not a valid ether amount", key, raw))
		return nil
	}
	return wei
}

// address parses a required hex address. Absence is left to Validate so the
// error names only the missing variable.
func (l *loader) address(key string) common.Address {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(raw) {
		l.fail(fmt.Errorf("%s=%q is not a valid address", key, raw))
		return common.Address{}
	}
	return common.HexToAddress(raw)
}

// wallet resolves the monitored account. WALLET_ADDRESS wins; a private key
// in its place, or a fallback to PRIVATE_KEY, is converted to its address.
func (l *loader) wallet() common.Address {
	src, raw := "WALLET_ADDRESS", strings.TrimSpace(os.Getenv("WALLET_ADDRESS"))
	if raw != "" && !chain.LooksLikePrivateKey(raw) {
		if !common.IsHexAddress(raw) {
			l.fail(fmt.Errorf("WALLET_ADDRESS=%q is not a valid address", raw))
			return common.Address{}
		}
		return common.HexToAddress(raw)
	}
	if raw == "" {
		src, raw = firstEnv("PRIVATE_KEY", "ACTIVITY_PRIVATE_KEY")
	}
	if raw == "" {
		return common.Address{}
	}
	addr, err := chain.AddressFromKey(raw)
	if err != nil {
		// Never echo key material.
		l.fail(fmt.Errorf("WALLET_ADDRESS: could not derive an address from the private key in %s", src))
		return common.Address{}
	}
	return addr
}

// firstEnv returns the first non-empty variable among keys and its name.
func firstEnv(keys ...string) (key, value string) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return k, v
		}
	}
	return "", ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envUint64(key string, defaultVal uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid non-negative integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
