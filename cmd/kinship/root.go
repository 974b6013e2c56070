package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/config"
	"github.com/scrypster/kinship/internal/engine"
	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/postgres"
	"github.com/scrypster/kinship/internal/storage/sqlite"
	"github.com/scrypster/kinship/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app is the state shared by every subcommand of one invocation.
type app struct {
	out     io.Writer
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "kinship",
		Short: "Kinship - entity linking and conflict resolution for knowledge graphs",
		Long: `Kinship links entity mentions extracted from conversations to a
persistent entity graph, detects contradictory facts about those entities
and resolves them with priority-ordered rules, keeping an audit trail of
every decision.

Configuration comes from an optional YAML file and KINSHIP_* environment
variables.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", os.Getenv("KINSHIP_CONFIG"), "config file (YAML)")

	root.AddCommand(
		newVersionCmd(a),
		newMigrateCmd(a),
		newLinkCmd(a),
		newIngestCmd(a),
		newMergeCmd(a),
		newDetectCmd(a),
		newResolveCmd(a),
		newConflictsCmd(a),
		newAuditCmd(a),
		newReportCmd(a),
		newRulesCmd(a),
		newSweepCmd(a),
		newBackupCmd(a),
	)
	return root
}

// setup loads configuration and the logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.log = logger.Get()
	return nil
}

// openStore opens the configured backend. Both backends bring the schema
// up to date before returning.
func (a *app) openStore() (storage.Store, error) {
	switch a.cfg.Storage.Engine {
	case "postgres":
		return postgres.Open(a.cfg.Storage.DSN, postgres.Options{TxTimeout: a.cfg.Resolution.TxTimeout})
	default:
		if a.cfg.Storage.DSN == "" {
			if err := os.MkdirAll(a.cfg.Storage.DataPath, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return sqlite.Open(a.cfg.Storage.SQLiteDSN(), sqlite.Options{TxTimeout: a.cfg.Resolution.TxTimeout})
	}
}

// service opens the store and builds the graph service on top of it,
// applying the configured rule file. The returned func closes the store.
func (a *app) service(ctx context.Context) (*engine.GraphService, func(), error) {
	store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			a.log.Warn("failed to close store", zap.Error(err))
		}
	}

	svc, err := engine.NewGraphService(ctx, store, a.cfg.EngineConfig(), a.log)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	if path := a.cfg.Resolution.RulesFile; path != "" {
		if _, err := applyRuleFile(ctx, svc, path); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	return svc, closeStore, nil
}

func applyRuleFile(ctx context.Context, svc *engine.GraphService, path string) (int, error) {
	rules, err := config.LoadRuleFile(path)
	if err != nil {
		return 0, err
	}
	for _, rule := range rules {
		if err := svc.UpsertResolutionRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return len(rules), nil
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip configuration loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.print(map[string]string{"version": version})
		},
	}
}
