package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lattice-storage/lattice/internal/models"
)

// statsSource is the slice of the engine the detail printer needs.
type statsSource interface {
	Stats(name string) (models.GroupStats, error)
}

var statsGroup string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print group statistics from a container database",
	Long: `Reads the configured container database and prints a usage summary
for every group, without starting a server. With --group, per-shard
fill levels are shown for that group.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsGroup, "group", "", "Show per-shard detail for one group")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, cleanup, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if statsGroup != "" {
		return printGroupDetail(eng, statsGroup)
	}

	all := eng.StatsAll()
	if len(all) == 0 {
		fmt.Println("No groups.")
		return nil
	}

	fmt.Printf("%-24s %10s %10s %8s %8s %-10s\n",
		"GROUP", "SIZE", "MAX", "USAGE", "SHARDS", "STATUS")
	for _, stats := range all {
		fmt.Printf("%-24s %10d %10d %7.1f%% %8d %-10s\n",
			stats.Name, stats.Size, stats.MaxSize, stats.Usage*100,
			len(stats.Shards), stats.Status)
	}
	return nil
}

func printGroupDetail(eng statsSource, name string) error {
	stats, err := eng.Stats(name)
	if err != nil {
		return err
	}

	fmt.Printf("Group:  %s\n", stats.Name)
	fmt.Printf("Size:   %d / %d (%.1f%%)\n", stats.Size, stats.MaxSize, stats.Usage*100)
	fmt.Printf("Status: %s\n", stats.Status)
	fmt.Printf("Spread: %.1f%% .. %.1f%%\n", stats.LowestShardUsage*100, stats.HighestShardUsage*100)
	fmt.Println()

	fmt.Printf("%-6s %10s %10s %8s %-10s %s\n",
		"SHARD", "SIZE", "MAX", "USAGE", "STATUS", "ID")
	for _, shard := range stats.Shards {
		fmt.Printf("%-6d %10d %10d %7.1f%% %-10s %s\n",
			shard.Index, shard.Size, shard.MaxSize, shard.Usage*100,
			shard.Status, shard.ID)
	}
	return nil
}
