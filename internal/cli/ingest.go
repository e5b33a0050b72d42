package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/internal/app"
)

var (
	ingestType           string
	ingestTitle          string
	ingestTags           string
	ingestSkipDuplicates bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Import manuals",
	Long: `Imports one or more manuals. Every file is checked against the import
history first; likely duplicates are reported and, with --skip-duplicates,
not imported.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "document type (default: from the file extension)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (default: file name)")
	ingestCmd.Flags().StringVar(&ingestTags, "tags", "", "comma separated tags")
	ingestCmd.Flags().BoolVar(&ingestSkipDuplicates, "skip-duplicates", false, "do not import likely duplicates")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		opts := app.IngestOptions{
			DocType:        ingestType,
			Tags:           splitTags(ingestTags),
			SkipDuplicates: a.Config.Dedup.SkipDuplicates,
		}
		if cmd.Flags().Changed("skip-duplicates") {
			opts.SkipDuplicates = ingestSkipDuplicates
		}
		if len(args) == 1 {
			opts.Title = ingestTitle
		}

		failed := 0
		for _, path := range args {
			res, err := a.IngestFile(cmd.Context(), path, opts)
			if err != nil {
				failed++
				cmd.Println(errStyle.Render(fmt.Sprintf("✗ %s: %v", filepath.Base(path), err)))
				continue
			}
			printIngestResult(cmd, a, res)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	})
}

func printIngestResult(cmd *cobra.Command, a *app.App, res app.IngestResult) {
	if res.Skipped {
		cmd.Println(warnStyle.Render(fmt.Sprintf("- %s skipped: %s", res.FileName, res.Check.Type)))
		for _, r := range res.Check.Recommendations {
			cmd.Println(dimStyle.Render("    " + r))
		}
		return
	}

	line := fmt.Sprintf("✓ %s → %s", res.FileName, res.DocumentID)
	if doc, err := a.Store.GetDocument(cmd.Context(), res.DocumentID); err == nil {
		line += fmt.Sprintf(" (%d pages, %d chunks, %d embedded)", doc.PageCount, doc.ChunkCount, doc.EmbeddedChunks)
	}
	cmd.Println(okStyle.Render(line))
	if res.Check.IsDuplicate {
		cmd.Println(warnStyle.Render(fmt.Sprintf("    possible duplicate (%s, %.0f%%)", res.Check.Type, res.Check.Similarity)))
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
