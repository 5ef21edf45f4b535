package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/config"
	"github.com/flipbattle/pulse/internal/leaderboard"
	"github.com/flipbattle/pulse/internal/monitor"
	"github.com/flipbattle/pulse/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		envFile, logLevel string
		once              bool
	)
	cmd := &cobra.Command{
		Use:           "pulse-monitor",
		Short:         "Report activity, balance runway and leaderboard standing for the activity wallet",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			if logLevel == "" {
				logLevel = os.Getenv("PULSE_LOG_LEVEL")
			}
			// The report owns stdout.
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: config.ParseLogLevel(logLevel),
			}))
			slog.SetDefault(logger)
			return run(cmd.Context(), logger, once)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default from PULSE_LOG_LEVEL, else info)")
	cmd.Flags().BoolVar(&once, "once", false, "render a single report and exit")
	return cmd
}

func loadEnv(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func run(ctx context.Context, logger *slog.Logger, once bool) error {
	cfg, err := config.LoadMonitor()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancelDial()
	client, err := chain.Dial(dialCtx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	network := "unknown network"
	if id, err := client.ChainID(dialCtx); err != nil {
		logger.Warn("could not read chain id", "error", err)
	} else {
		network = chain.NetworkName(id)
	}

	// The monitor never signs, so the contract has no transactor.
	contract := chain.NewActivityContract(cfg.ContractAddress, client, nil, client)

	var scores monitor.ScoreReader
	lb, err := leaderboard.NewClient(leaderboard.Config{
		BaseURL:           cfg.LeaderboardURL,
		APIKey:            cfg.LeaderboardAPIKey,
		Timeout:           cfg.CallTimeout,
		RequestsPerMinute: cfg.LeaderboardRPM,
	})
	switch {
	case errors.Is(err, leaderboard.ErrNotConfigured):
		logger.Info("leaderboard not configured")
	case err != nil:
		return err
	default:
		scores = lb
	}

	collector := monitor.NewCollector(monitor.CollectorConfig{
		Contract:       cfg.ContractAddress,
		Wallet:         cfg.WalletAddress,
		DailyGasCost:   cfg.DailyGasCost,
		FetchTimeout:   cfg.CallTimeout,
		LookbackBlocks: cfg.LogLookbackBlocks,
	}, contract, client, scores, logger)

	m := monitor.New(collector, os.Stdout, monitor.View{
		Network:            network,
		RefreshInterval:    cfg.RefreshInterval,
		ExplorerURL:        cfg.ExplorerURL,
		LeaderboardPageURL: cfg.LeaderboardPageURL,
	}, logger)

	logger.Info("pulse-monitor starting",
		"version", version,
		"network", network,
		"contract", cfg.ContractAddress.Hex(),
		"wallet", cfg.WalletAddress.Hex(),
	)
	if once {
		return m.RunOnce(ctx)
	}
	return m.Run(ctx)
}
