package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/logger"
	"github.com/manualrag/cli/internal/server"
	"github.com/manualrag/cli/internal/watch"
)

var (
	serveAddr    string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the JSON API, keeps the embedding cache optimized and, unless
--no-watch is given, imports files dropped into the inbox directory.
Stops on interrupt.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Import files dropped into a directory",
	Long: `Watches the inbox directory (or dir) and imports supported files once
they stop changing. Files already there are imported at start. Likely
duplicates are always skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not watch the inbox directory")
	rootCmd.AddCommand(serveCmd, watchCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger.SetTimestamps(true)
	return withApp(cmd, func(a *app.App) error {
		addr := a.Config.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		cmd.Println(okStyle.Render("Serving on http://" + addr))

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return server.New(a).ListenAndServe(ctx, addr)
		})
		g.Go(func() error {
			return a.RunOptimizer(ctx)
		})
		if !serveNoWatch {
			g.Go(func() error {
				return newInboxWatcher(cmd, a, a.Config.Paths.InboxDir).Run(ctx)
			})
		}
		return g.Wait()
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger.SetTimestamps(true)
	return withApp(cmd, func(a *app.App) error {
		dir := a.Config.Paths.InboxDir
		if len(args) == 1 {
			dir = args[0]
		}

		cmd.Println(okStyle.Render("Watching " + dir))

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return a.RunOptimizer(ctx)
		})
		g.Go(func() error {
			return newInboxWatcher(cmd, a, dir).Run(ctx)
		})
		return g.Wait()
	})
}

func newInboxWatcher(cmd *cobra.Command, a *app.App, dir string) *watch.Watcher {
	return watch.New(dir, func(ctx context.Context, path string) error {
		res, err := a.IngestFile(ctx, path, app.IngestOptions{SkipDuplicates: true})
		if err != nil {
			return err
		}
		if res.Skipped {
			cmd.Println(warnStyle.Render(fmt.Sprintf("- %s skipped: %s", filepath.Base(path), res.Check.Type)))
			return nil
		}
		cmd.Println(okStyle.Render(fmt.Sprintf("✓ %s → %s", filepath.Base(path), res.DocumentID)))
		return nil
	})
}
