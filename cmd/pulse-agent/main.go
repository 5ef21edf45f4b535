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

	"github.com/flipbattle/pulse/internal/agent"
	"github.com/flipbattle/pulse/internal/chain"
	"github.com/flipbattle/pulse/internal/config"
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
	var envFile, logLevel string
	cmd := &cobra.Command{
		Use:           "pulse-agent",
		Short:         "Submit randomized activity transactions to the activity contract",
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
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: config.ParseLogLevel(logLevel),
			}))
			slog.SetDefault(logger)
			return run(cmd.Context(), logger)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default from PULSE_LOG_LEVEL, else info)")
	return cmd
}

// loadEnv reads a dotenv file. A missing default file is fine; a missing
// file the user named is not.
func loadEnv(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadAgent()
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

	// A node that is briefly unreachable delays startup instead of ending it.
	chainID, err := chain.WaitForChainID(ctx, client, cfg.ChainID, cfg.CallTimeout, cfg.ErrorCooldown, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("pulse-agent stopped before start")
			return nil
		}
		return err
	}
	opts, signer, err := chain.NewTransactor(cfg.PrivateKey, chainID)
	if err != nil {
		return err
	}
	logger.Info("pulse-agent starting",
		"version", version,
		"network", chain.NetworkName(chainID),
		"chain_id", chainID.String(),
		"signer", signer.Hex(),
	)

	contract := chain.NewActivityContract(cfg.ContractAddress, client, client, client)
	exec := chain.NewExecutor(contract, client, opts, chain.ExecutorConfig{
		CallTimeout:    cfg.CallTimeout,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, logger)

	a, err := agent.New(agent.Config{
		Signer:              signer,
		Contract:            cfg.ContractAddress,
		MinDelay:            cfg.MinDelay,
		MaxDelay:            cfg.MaxDelay,
		TargetActionsPerDay: cfg.TargetActionsPerDay,
		ErrorCooldown:       cfg.ErrorCooldown,
		StatsTimeout:        cfg.CallTimeout,
		ExplorerURL:         cfg.ExplorerURL,
	}, exec, contract, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
