package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/logger"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the embedding cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			printCacheStats(cmd, a)
			return nil
		})
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the cache to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			if err := a.Cache.Export(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			cmd.Println(okStyle.Render(fmt.Sprintf("Exported %d entries to %s", a.Cache.Len(), args[0])))
			return nil
		})
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Replace the cache with a previously exported file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			if err := a.Cache.Import(f); err != nil {
				return err
			}
			if !a.Config.Cache.Persist {
				logger.Warn("cache.persist is off; the imported entries only last for this run")
			}
			cmd.Println(okStyle.Render(fmt.Sprintf("Imported %d entries", a.Cache.Len())))
			return nil
		})
	},
}

var cacheOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compress large vectors and relieve memory pressure",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			report := a.Cache.Optimize()
			cmd.Println(okStyle.Render(fmt.Sprintf("Compressed %d, evicted %d", report.Compressed, report.Evicted)))
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached embedding",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			n := a.Cache.Len()
			a.Cache.Clear()
			cmd.Println(okStyle.Render(fmt.Sprintf("Cleared %d entries", n)))
			return nil
		})
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheExportCmd, cacheImportCmd, cacheOptimizeCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func printCacheStats(cmd *cobra.Command, a *app.App) {
	s := a.Cache.Stats()
	cmd.Println(titleStyle.Render("Embedding cache"))
	cmd.Println(field("Model", a.Embeddings.Model()))
	cmd.Println(field("Entries", fmt.Sprintf("%d / %d", s.Entries, s.MaxEntries)))
	cmd.Println(field("Memory", fmt.Sprintf("%s / %s", formatBytes(s.MemoryBytes), formatBytes(s.MaxMemoryBytes))))
	cmd.Println(field("Hit rate", fmt.Sprintf("%.1f%% (%d hits, %d misses)", s.HitRate*100, s.Hits, s.Misses)))
	cmd.Println(field("Evictions", s.Evictions))
	cmd.Println(field("Compressed", s.Compressed))
}
