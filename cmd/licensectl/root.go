package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"wslicense/internal/config"
	"wslicense/internal/license"
	"wslicense/internal/store"
)

type globalFlags struct {
	configFile string
	backend    string
	dsn        string
	dataDir    string
	verbose    bool
}

// NewRootCommand builds the licensectl command tree.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Administer workshop license tokens, keys and revocations",
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file (default: WSL_* environment and ./config.yaml)")
	cmd.PersistentFlags().StringVar(&g.backend, "backend", "", "Storage backend override: memory, file, sqlite or postgres")
	cmd.PersistentFlags().StringVar(&g.dsn, "dsn", "", "Storage DSN override")
	cmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Data directory override")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log at debug level to stderr")

	cmd.AddCommand(
		runKeysCommand(g),
		runIssueCommand(g),
		runValidateCommand(g),
		runRevokeCommand(g),
		runStatusCommand(g),
		runFingerprintCommand(g),
		runExportRevocationsCommand(g),
	)
	return cmd
}

func (g *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configFile != "" {
		cfg, err = config.LoadFile(g.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if g.backend != "" {
		cfg.Storage.Backend = g.backend
	}
	if g.dsn != "" {
		cfg.Storage.DSN = g.dsn
	}
	if g.dataDir != "" {
		cfg.Paths.DataDir = g.dataDir
	}
	// Revalidate: overrides can make the storage section inconsistent.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openService opens the configured store and builds a license service
// over it. The returned func closes both.
func (g *globalFlags) openService(cmd *cobra.Command) (*license.Service, *config.Config, func(), error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Storage, cfg.Paths.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	svc, err := license.New(ctx, license.Options{
		Config: cfg.License,
		Store:  st,
		Logger: g.logger(cmd),
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	closeFn := func() {
		_ = svc.Close(ctx)
		_ = st.Close()
	}
	return svc, cfg, closeFn, nil
}
