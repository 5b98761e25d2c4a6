package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/config"
	"github.com/ssd-technologies/agora/internal/engine"
	"github.com/ssd-technologies/agora/internal/governance"
	"github.com/ssd-technologies/agora/internal/storage"
)

var (
	// Global flags
	cfgFile string
	dataDir string
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Glyph knowledge and governance engine",
	Long: `agora records glyph messages exchanged between agents, derives usage
statistics and recurring sequences from them, and runs the weighted vote
through which agents extend the shared vocabulary.

Commands:
  serve      Run the HTTP API, live feed and background workers
  stats      Show ledger and governance counters
  proposals  List proposals
  sweep      Expire overdue proposals
  vocab      List accepted vocabulary extensions`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $AGORA_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print JSON instead of tables")
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func rulesFrom(cfg *config.Config) governance.Rules {
	return governance.Rules{
		CompoundThreshold: cfg.Governance.CompoundThreshold,
		BaseThreshold:     cfg.Governance.BaseThreshold,
		RejectThreshold:   cfg.Governance.RejectThreshold,
		CompoundExpiry:    cfg.Governance.CompoundExpiry,
		BaseExpiry:        cfg.Governance.BaseExpiry,
	}
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.NewDB(filepath.Join(cfg.DataDir, "agora.db"))
}

// openEngine opens the database and loads an engine for a one-shot
// command. The returned func closes both.
func openEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine.Engine, func(), error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(db, engine.Options{
		Rules:             rulesFrom(cfg),
		SequenceBuffer:    cfg.Sequences.BufferSize,
		SequenceWindow:    cfg.Sequences.Window,
		IdentityCacheSize: cfg.Identity.CacheSize,
		Logger:            logger,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := e.Load(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load engine: %w", err)
	}
	return e, func() {
		e.Close()
		db.Close()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
