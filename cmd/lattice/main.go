// Command lattice runs the sharded object store: a server mode plus
// administrative subcommands that work on the container database
// directly.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/config"
	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/eventbus"
	"github.com/lattice-storage/lattice/internal/logging"
)

const version = "1.0.0"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "lattice - statically sharded object storage",
	Long: `lattice is an object store that splits each group into a fixed set
of capacity-bounded shards. Keys route deterministically to shards, so
a group's layout never changes after creation; growth happens by
planning a larger replacement group.

Run "lattice serve" to start the API server, or use the administrative
subcommands to manage a container database directly.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lattice %s\n", version)
	},
}

// normalizeFlagName lets underscore-style flag spellings resolve to
// their dashed registrations.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration for the current
// invocation.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}

// openEngine opens an existing container database for the
// administrative subcommands. The caller must invoke the returned
// cleanup function.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := containerdb.Load(cfg.Storage.Path, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.Open(ctx, db, eventbus.NewNoopBus(), logging.FromZap(zap.NewNop()))
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return eng, func() { db.Close() }, nil
}
