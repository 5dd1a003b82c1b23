// Package cmd provides the command-line interface for stitch.
//
// Configuration System:
//
//	Values are resolved with the following precedence:
//	1. Command-line flags (--source, --port, etc.)
//	2. STITCH_<SECTION>_<OPTION> environment variables (STITCH_SERVER_PORT)
//	3. The configuration file: --config, then STITCH_CONFIG_FILE, then
//	   .stitch.yml in the current directory
//	4. Built-in defaults
//
//	A .env file in the current directory is loaded into the environment
//	before any of the above is read.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/stitch/internal/config"
	"github.com/conneroisu/stitch/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stitch",
	Short: "A static site preprocessor that stitches HTML fragments into pages",
	Long: `stitch copies a source tree into an output tree, replacing include
directives of the form [[ path(key=value, ...) ]] with the named file's content.

Files and directories whose names start with "_" are fragments: they can be
included but are never written to the output.

Quick Start:
  stitch build                    Build website/ into dist/
  stitch serve                    Build, serve on :3000 and reload on change
  stitch config show              Print the effective configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .stitch.yml, can also use STITCH_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
}

// initConfig points viper at the configuration file and the environment.
// A missing file is not an error; defaults apply.
func initConfig() {
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("STITCH_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stitch")
	}

	viper.SetEnvPrefix("STITCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// bindFlags binds flags of cmd to configuration keys. Binding happens when a
// command runs so that commands sharing a key do not overwrite each other.
func bindFlags(cmd *cobra.Command, bindings map[string]string) error {
	for flagName, key := range bindings {
		flag := lookupFlag(cmd, flagName)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding --%s: %w", flagName, err)
		}
	}
	return nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

// loadConfig reads the configuration and builds the logger it describes.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, logging.Logger, error) {
	all := map[string]string{"log-level": "log.level"}
	for k, v := range bindings {
		all[k] = v
	}
	if err := bindFlags(cmd, all); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, nil, err
	}
	lc.Output = cmd.ErrOrStderr()
	return cfg, logging.NewLogger(lc), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
