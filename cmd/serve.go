package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/stitch/internal/build"
	"github.com/conneroisu/stitch/internal/config"
	"github.com/conneroisu/stitch/internal/logging"
	"github.com/conneroisu/stitch/internal/notifier"
	"github.com/conneroisu/stitch/internal/rebuild"
	"github.com/conneroisu/stitch/internal/server"
	"github.com/conneroisu/stitch/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "watch"},
	Short:   "Build, serve the output and reload browsers on change",
	Long: `Build the site with the live-reload script injected into every page, serve
the output directory over HTTP and rebuild whenever a source file changes.
Connected browsers reload after each successful rebuild.

Examples:
  stitch serve                    # http://localhost:3000
  stitch serve -p 8080            # custom port
  stitch serve --debounce 100ms   # batch bursts of saves`,
	RunE: runServe,
}

var serveFlagBindings = map[string]string{
	"port":     "server.port",
	"host":     "server.host",
	"debounce": "watch.debounce",
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addSiteFlags(serveCmd)
	addServerFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	bindings := make(map[string]string, len(siteFlagBindings)+len(serveFlagBindings))
	for k, v := range siteFlagBindings {
		bindings[k] = v
	}
	for k, v := range serveFlagBindings {
		bindings[k] = v
	}

	cfg, logger, err := loadConfig(cmd, bindings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs the initial build and then watches, rebuilds and serves until
// ctx is cancelled. A failed pass, the initial one included, is logged and
// the next change triggers another attempt.
func serve(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	if cfg.Build.Clean {
		if err := build.Clean(cfg.Site.Output); err != nil {
			return fmt.Errorf("failed to clean output: %w", err)
		}
	}

	hubOpts := notifier.DefaultOptions()
	hubOpts.OriginPatterns = cfg.Server.AllowedOrigins
	hub := notifier.NewHub(logger, hubOpts)

	srv := server.New(cfg, hub, logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	shutdown := func() error {
		logger.Info(context.Background(), "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}

	// The snippet needs the bound port, which differs from the configured
	// one when port 0 is requested.
	opts := buildOptions(cfg)
	opts.LiveReload = true
	opts.Snippet = build.ReloadSnippet(cfg.ReloadEndpointAt(srv.Addr()))
	transformer := build.New(opts, logger)

	trigger := rebuild.New(transformer, hub, logger)
	if err := trigger.RebuildNow(ctx); err != nil {
		logger.Warn(ctx, err, "Initial build failed, waiting for changes")
	}

	fw, err := newSourceWatcher(cfg, logger, trigger)
	if err != nil {
		_ = shutdown()
		return err
	}
	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		_ = shutdown()
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer fw.Stop()

	go func() {
		_ = trigger.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	return shutdown()
}

// newSourceWatcher watches the source tree, and the include root when it
// lives elsewhere, ignoring the output tree and editor noise.
func newSourceWatcher(cfg *config.Config, logger logging.Logger, trigger *rebuild.Trigger) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(cfg.Watch.Debounce, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(watcher.NoEditorTempFilter)
	fw.AddFilter(watcher.UnderFilter(cfg.Site.Output))
	if len(cfg.Watch.Ignore) > 0 {
		fw.AddFilter(watcher.IgnoreFilter(cfg.Watch.Ignore...))
	}
	fw.AddHandler(trigger.HandleChange)

	roots := []string{cfg.Site.Source}
	if includeRoot := cfg.IncludeRoot(); !sameOrBelow(includeRoot, cfg.Site.Source) {
		roots = append(roots, includeRoot)
	}
	for _, root := range roots {
		if err := fw.AddRecursive(root); err != nil {
			_ = fw.Stop()
			return nil, fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}
	return fw, nil
}

func sameOrBelow(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
