package cli

import (
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalproc/runtime"
	"github.com/petal-labs/petalproc/store"
)

// cliContext bundles the store and engine a command executes against.
type cliContext struct {
	cfg    Config
	store  *store.SQLiteStore
	engine *runtime.Engine
}

func (c *cliContext) Close() {
	if c.store != nil {
		_ = c.store.Close()
	}
}

// openContext loads config and opens the SQLite store using the shared
// --config and --store-path persistent flags.
func openContext(cmd *cobra.Command) (*cliContext, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, exitError(exitValidation, "loading config: %v", err)
	}

	storePath, _ := cmd.Flags().GetString("store-path")
	dbPath, err := resolveStorePath(storePath, cfg)
	if err != nil {
		return nil, exitError(exitRuntime, "resolving store path: %v", err)
	}

	s, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return nil, exitError(exitRuntime, "opening store: %v", err)
	}

	return &cliContext{
		cfg:    cfg,
		store:  s,
		engine: runtime.NewEngine(s, nil),
	}, nil
}

// AddCommonFlags registers the persistent flags shared by every subcommand.
// main attaches these to the root command.
func AddCommonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Path to config file (default: ./petalproc.yaml, ~/.petalproc/config.yaml)")
	cmd.PersistentFlags().String("store-path", "", "Path to SQLite store (default: ~/.petalproc/petalproc.db)")
}
