package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/stitch/internal/build"
	"github.com/conneroisu/stitch/internal/config"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build the site once",
	Long: `Mirror the source directory into the output directory, expanding include
directives in every file. Fragments (names starting with the exclude prefix)
are expanded but not written.

Examples:
  stitch build                        # website/ -> dist/
  stitch build -s pages -o public     # pages/ -> public/
  stitch build --clean                # remove dist/ first
  stitch build --watch                # same as stitch serve`,
	RunE: runBuild,
}

var buildWatch bool

func init() {
	rootCmd.AddCommand(buildCmd)

	addSiteFlags(buildCmd)
	buildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "Keep running: serve the output and rebuild on change")
	addServerFlags(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	if buildWatch {
		return runServe(cmd, args)
	}

	cfg, logger, err := loadConfig(cmd, siteFlagBindings)
	if err != nil {
		return err
	}

	if cfg.Build.Clean {
		if err := build.Clean(cfg.Site.Output); err != nil {
			return fmt.Errorf("failed to clean output: %w", err)
		}
	}

	transformer := build.New(buildOptions(cfg), logger)
	result, err := transformer.Transform(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	printResult(cmd, cfg, result)
	return nil
}

// buildOptions converts the site and build sections into transformer options.
func buildOptions(cfg *config.Config) build.Options {
	return build.Options{
		Source:        cfg.Site.Source,
		Output:        cfg.Site.Output,
		IncludeRoot:   cfg.IncludeRoot(),
		ExcludePrefix: cfg.Build.ExcludePrefix,
		MarkupExt:     cfg.Build.MarkupExt,
	}
}

func printResult(cmd *cobra.Command, cfg *config.Config, result *build.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Built %d files into %s (%d fragments skipped) in %s\n",
		result.Written, cfg.Site.Output, result.Skipped, result.Duration.Round(time.Microsecond))
	if len(result.Missing) > 0 {
		fmt.Fprintf(out, "%d missing includes:\n", len(result.Missing))
		for _, m := range result.Missing {
			fmt.Fprintf(out, "  %s\n", m)
		}
	}
}
