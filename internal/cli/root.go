// Package cli is the manualrag command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/config"
	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/logger"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "manualrag",
	Short: "Search and ask questions about your workshop manuals",
	Long: `manualrag imports workshop manuals (PDF, EPUB, text, markdown), splits
them into page-aware chunks and embeds them with a local Ollama model.
Search is semantic when vectors are available and falls back to keyword
scoring when they are not.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logger.SetVerbose(verbose)
		logger.SetOutput(cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.manualrag/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

// Execute runs the command tree with ctx as the root context.
func Execute(ctx context.Context) error {
	rootCmd.SetOut(os.Stdout)
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withApp opens the application for the duration of fn and closes it after,
// keeping fn's error first.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return fn(a)
}
