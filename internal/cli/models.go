package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/internal/ollama"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List Ollama models and the one ask would use",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Timeout)

	models, err := client.ListModels(cmd.Context())
	if err != nil {
		return fmt.Errorf("is Ollama running at %s? %w", cfg.Ollama.BaseURL, err)
	}
	current, err := client.PickModel(cmd.Context(), cfg.Ollama.ChatModel)
	if err != nil {
		current = ""
	}

	cmd.Println(titleStyle.Render("Ollama Models"))
	cmd.Println()
	if len(models) == 0 {
		cmd.Println("No models found.")
		return nil
	}
	for _, m := range models {
		line := fmt.Sprintf("  %s %s", m.Name, dimStyle.Render(formatBytes(m.Size)))
		switch m.Name {
		case current:
			line = keyStyle.Render(fmt.Sprintf("* %s", m.Name)) + " " + dimStyle.Render(formatBytes(m.Size))
		case cfg.Embeddings.Model, cfg.Embeddings.Model + ":latest":
			line += " " + dimStyle.Render("(embeddings)")
		}
		cmd.Println(line)
	}
	return nil
}
