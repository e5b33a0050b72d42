package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/documents"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup [file]",
	Short: "Check a file against the import history without importing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupCheck,
}

var dedupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the import history",
	Args:  cobra.NoArgs,
	RunE:  runDedupList,
}

func init() {
	dedupCmd.AddCommand(dedupListCmd)
	rootCmd.AddCommand(dedupCmd)
}

func runDedupCheck(cmd *cobra.Command, args []string) error {
	parsed, err := documents.Load(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(a *app.App) error {
		res, err := a.Dedup.CheckDuplicate(cmd.Context(), filepath.Base(args[0]), parsed.Text, nil)
		if err != nil {
			return err
		}

		style := okStyle
		if res.IsDuplicate {
			style = warnStyle
		}
		cmd.Println(style.Render(fmt.Sprintf("%s: %s (%.0f%%)", filepath.Base(args[0]), res.Type, res.Similarity)))
		if res.Match != nil {
			cmd.Println(field("Matches", fmt.Sprintf("%s, imported %s", res.Match.FileName, res.Match.UploadedAt.Local().Format("2006-01-02 15:04"))))
		}
		cmd.Println(field("Points", res.Fingerprint.PointCount))
		cmd.Println(field("Protocols", res.Fingerprint.ProtocolCount))
		for _, r := range res.Recommendations {
			cmd.Println("  " + dimStyle.Render(r))
		}
		return nil
	})
}

func runDedupList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app.App) error {
		fps, err := a.Dedup.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(fps) == 0 {
			cmd.Println("No imports recorded.")
			return nil
		}

		cmd.Println(titleStyle.Render(fmt.Sprintf("Import history (%d):", len(fps))))
		for _, fp := range fps {
			cmd.Printf("  %s  %s  %s\n",
				fp.UploadedAt.Local().Format("2006-01-02 15:04"),
				keyStyle.Render(fp.FileName),
				dimStyle.Render(fmt.Sprintf("file %s · content %s · %d points · %d protocols",
					fp.FileHash, fp.ContentHash, fp.PointCount, fp.ProtocolCount)))
		}
		return nil
	})
}
