package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/rag"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List imported manuals",
	Args:  cobra.NoArgs,
	RunE:  runDocs,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [document-id]",
	Short: "Delete a manual with its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(docsCmd, deleteCmd, statsCmd)
}

func runDocs(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app.App) error {
		docs, err := a.Store.ListDocuments(cmd.Context())
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			cmd.Println("No documents imported yet.")
			return nil
		}

		cmd.Println(titleStyle.Render(fmt.Sprintf("Documents (%d):", len(docs))))
		cmd.Println()
		for _, d := range docs {
			cmd.Printf("  %s  %s\n", keyStyle.Render(d.ID), d.Title)
			meta := fmt.Sprintf("%s · %d pages · %d/%d chunks embedded · %s",
				d.DocType, d.PageCount, d.EmbeddedChunks, d.ChunkCount, d.UploadedAt.Local().Format("2006-01-02 15:04"))
			if len(d.Tags) > 0 {
				meta += " · " + strings.Join(d.Tags, ", ")
			}
			cmd.Println("      " + dimStyle.Render(meta))
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		found, err := a.Store.DeleteDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s: %w", args[0], rag.ErrDocumentNotFound)
		}
		cmd.Println(okStyle.Render("Deleted " + args[0]))
		return nil
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app.App) error {
		stats, err := a.Store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		cmd.Println(titleStyle.Render("Store"))
		cmd.Println(field("Backend", a.Config.Storage.Backend))
		if path, ok := db.FilePath(a.KV); ok {
			cmd.Println(field("Database", path))
		}
		cmd.Println(field("Documents", stats.Documents))
		cmd.Println(field("Chunks", stats.Chunks))
		cmd.Println(field("Embedded chunks", stats.EmbeddedChunks))
		cmd.Println(field("Keywords", stats.Keywords))
		cmd.Println()
		printCacheStats(cmd, a)
		return nil
	})
}
