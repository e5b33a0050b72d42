package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/rag"
)

var (
	searchLimit int
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search imported manuals",
	Long: `Ranks manual chunks against the query. Uses vector similarity when
chunks carry embeddings and keyword scoring otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var contextCmd = &cobra.Command{
	Use:   "context [query]",
	Short: "Print the excerpts a question would be answered from",
	Args:  cobra.ExactArgs(1),
	RunE:  runContext,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the manuals with a local model",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 5, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd, contextCmd, askCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		hits, err := a.Store.Search(cmd.Context(), args[0], searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if searchJSON {
			data, err := json.MarshalIndent(hits, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal results: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}

		printHits(cmd, hits)
		return nil
	})
}

func printHits(cmd *cobra.Command, hits []rag.SearchHit) {
	if len(hits) == 0 {
		cmd.Println("No results found.")
		return
	}

	cmd.Println(titleStyle.Render("Results:"))
	cmd.Println()
	for i, hit := range hits {
		cmd.Printf("  [%d] %s, page %d %s\n", i+1, hit.Chunk.DocumentTitle, hit.Chunk.Page,
			dimStyle.Render(fmt.Sprintf("(%s %.3f)", hit.Method, hit.Score)))
		cmd.Printf("      %s\n", snippet(hit.Chunk.Content, 160))
		cmd.Println()
	}
}

func runContext(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		text, err := a.Store.GetContextForQuery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Println(text)
		return nil
	})
}

func runAsk(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		out := cmd.OutOrStdout()
		_, err := a.Ask(cmd.Context(), args[0], func(chunk string) {
			fmt.Fprint(out, chunk)
		})
		fmt.Fprintln(out)
		return err
	})
}
