// Package main grants starting credit balances from a YAML manifest.
//
// Each grant is keyed by its reason: a user that already holds an adjustment
// with the same reason is skipped, so the command can be re-run safely.
//
//	seed -file grants.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/infrastructure"
	"reelbatch.io/orchestrator/internal/ledger"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// manifest is the YAML document accepted by the seed command.
type manifest struct {
	Grants []grant `yaml:"grants"`
}

type grant struct {
	UserID string `yaml:"user_id"`
	Amount int64  `yaml:"amount"`
	Reason string `yaml:"reason"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	file := flag.String("file", "grants.yaml", "path to the grants manifest")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := parseManifest(raw)
	if err != nil {
		return err
	}

	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("seed requires the postgres driver, got %q", cfg.Database.Driver)
	}

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	logger.Info("Starting credit seeding...", zap.Int("grants", len(m.Grants)))
	applied, err := seedGrants(ctx, ledger.NewPostgresLedger(db.Pool), m.Grants)
	if err != nil {
		return err
	}
	logger.Info("Credit seeding completed", zap.Int("applied", applied), zap.Int("skipped", len(m.Grants)-applied))
	return nil
}

// parseManifest decodes and validates a grants manifest.
func parseManifest(raw []byte) (*manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for i := range m.Grants {
		g := &m.Grants[i]
		g.UserID = strings.TrimSpace(g.UserID)
		g.Reason = strings.TrimSpace(g.Reason)
		if g.UserID == "" {
			return nil, fmt.Errorf("grant %d: user_id is required", i)
		}
		if g.Amount <= 0 {
			return nil, fmt.Errorf("grant %d: amount must be positive", i)
		}
		if g.Reason == "" {
			g.Reason = "seed"
		}
	}
	return &m, nil
}

// seedGrants applies grants that have not been applied yet and returns how
// many were written.
func seedGrants(ctx context.Context, l ledger.Ledger, grants []grant) (int, error) {
	applied := 0
	for _, g := range grants {
		done, err := alreadyGranted(ctx, l, g)
		if err != nil {
			return applied, err
		}
		if done {
			logger.Info("Grant already applied, skipping",
				zap.String("user_id", g.UserID),
				zap.String("reason", g.Reason),
			)
			continue
		}
		tx, err := l.Grant(ctx, g.UserID, g.Amount, g.Reason)
		if err != nil {
			return applied, fmt.Errorf("grant %s: %w", g.UserID, err)
		}
		applied++
		logger.Info("Seeded credits",
			zap.String("user_id", g.UserID),
			zap.Int64("amount", g.Amount),
			zap.Int64("balance_after", tx.BalanceAfter),
		)
	}
	return applied, nil
}

func alreadyGranted(ctx context.Context, l ledger.Ledger, g grant) (bool, error) {
	txs, err := l.Transactions(ctx, ledger.TxFilter{UserID: g.UserID})
	if err != nil {
		return false, fmt.Errorf("list transactions for %s: %w", g.UserID, err)
	}
	for _, tx := range txs {
		if tx.Type == domain.TxAdjustment && tx.Reason == g.Reason {
			return true, nil
		}
	}
	return false, nil
}
