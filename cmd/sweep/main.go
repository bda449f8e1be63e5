// Command sweep runs one ledger reconciliation and prints the summary and
// audit trail as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"continuity-engine/config"
	"continuity-engine/internal/chain"
	"continuity-engine/internal/circuit"
	"continuity-engine/internal/database"
	"continuity-engine/internal/ledger"
	"continuity-engine/internal/logging"
	"continuity-engine/internal/reconcile"
	"continuity-engine/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	categories := flag.String("categories", "", "comma separated categories (transfer,approval,payout,approval_transfer); empty sweeps all")
	subscriber := flag.String("subscriber", "", "only reconcile entries of this subscriber")
	limit := flag.Int("limit", 0, "max entries per category; 0 uses the configured batch limit")
	flag.Parse()

	code, err := run(*configPath, *categories, *subscriber, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
	}
	os.Exit(code)
}

func run(configPath, categoryList, subscriberID string, limit int) (int, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return 2, fmt.Errorf("failed to load configuration: %w", err)
	}

	cats, err := ledger.ParseCategories(splitList(categoryList))
	if err != nil {
		return 2, err
	}

	// logs go to stderr so stdout stays valid JSON
	if cfg.LoggingConfig.Output == "" || cfg.LoggingConfig.Output == "stdout" {
		cfg.LoggingConfig.Output = "stderr"
	}
	logger, closeLog, err := logging.Setup(cfg.LoggingConfig)
	if err != nil {
		return 2, fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return 2, fmt.Errorf("failed to create vault client: %w", err)
	}
	if err := vaultClient.ApplyChainSecret(ctx, &cfg.ChainConfig); err != nil {
		return 2, fmt.Errorf("failed to load chain secret: %w", err)
	}

	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: cfg.DatabaseConfig.MaxConns,
	}, logger)
	if err != nil {
		return 2, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	evm, err := chain.DialEVM(ctx, chain.EVMConfig{
		RPCURL:       cfg.ChainConfig.RPCURL,
		TokenAddress: cfg.ChainConfig.TokenAddress,
		Decimals:     cfg.ChainConfig.Decimals,
	}, logger)
	if err != nil {
		return 2, fmt.Errorf("failed to connect to chain: %w", err)
	}
	defer evm.Close()

	sweeper := reconcile.NewSweeper(
		database.NewRepository(db),
		chain.NewRateLimitedReader(
			circuit.NewReader(evm, circuit.NewBreaker(circuit.Config{
				MaxConsecutiveFailures: cfg.ChainConfig.BreakerFailures,
				Cooldown:               cfg.ChainConfig.BreakerCooldown,
			}), logger),
			cfg.ChainConfig.RateLimitRPS, cfg.ChainConfig.RateBurst,
		),
		reconcile.Config{
			ReceiptTimeout:        cfg.ReconcileConfig.ReceiptTimeout,
			Concurrency:           cfg.ReconcileConfig.Concurrency,
			RequiredConfirmations: cfg.ReconcileConfig.RequiredConfirmations,
			BatchLimit:            cfg.ReconcileConfig.BatchLimit,
		},
		nil, nil, logger,
	)

	summary, sweepErr := sweeper.Reconcile(ctx, cats, ledger.PendingFilter{SubscriberID: subscriberID, Limit: limit})
	if summary != nil {
		out := struct {
			Summary *reconcile.Summary `json:"summary"`
			Totals  reconcile.Counts   `json:"totals"`
		}{summary, summary.Totals()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 2, fmt.Errorf("failed to write summary: %w", err)
		}
	}
	if sweepErr != nil {
		return 1, sweepErr
	}
	return 0, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
