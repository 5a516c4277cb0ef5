package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/entsync/internal/apply"
	"github.com/loomworks/entsync/internal/config"
	"github.com/loomworks/entsync/internal/job"
	"github.com/loomworks/entsync/internal/planner"
	"github.com/loomworks/entsync/internal/repo"
	"github.com/loomworks/entsync/internal/repo/git"
	"github.com/loomworks/entsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "entsync",
	Short: "Entity-aware sync between a workspace and its git mirror",
	Long: `entsync keeps a workspace's entity store (workflows, forms, agents
and apps) synchronized with a git repository mirror.

Changes are compared per entity against the fingerprints recorded at
the last successful sync, so each side's edits are detected
independently and conflicts are resolved per entity, never by line
merging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file (default: ./entsync.yaml or ~/.config/entsync/entsync.yaml)")
}

// engine bundles the wired components behind one constructor so every
// command builds them identically.
type engine struct {
	cfg     *config.Config
	db      *store.DB
	mirror  *repo.Mirror
	planner *planner.Planner
	applier *apply.Applier
	manager *job.Manager
}

func newEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize entity store: %w", err)
	}

	logger := cfg.NewLogger("[entsync] ")

	gitClient := git.New(cfg.Repo.URL, cfg.Repo.Branch, cfg.Repo.CloneDir)
	mirror, err := repo.NewMirror(gitClient, gitClient.Dir(), logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set up mirror: %w", err)
	}

	p := planner.New(db, mirror)
	p.RetryAttempts = cfg.Jobs.RetryAttempts
	p.RetryBackoff = cfg.Jobs.RetryBackoff

	a := apply.New(db, mirror, logger)

	m := job.NewManager(p, a, job.Config{
		PhaseTimeout: cfg.Jobs.PhaseTimeout,
		Logger:       logger,
	})

	return &engine{
		cfg:     cfg,
		db:      db,
		mirror:  mirror,
		planner: p,
		applier: a,
		manager: m,
	}, nil
}

func (e *engine) Close() {
	_ = e.mirror.Close()
	_ = e.db.Close()
}
