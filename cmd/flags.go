package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// siteFlagBindings maps the site and build flags shared by build and serve to
// their configuration keys.
var siteFlagBindings = map[string]string{
	"source":         "site.source",
	"output":         "site.output",
	"include-root":   "site.include_root",
	"exclude-prefix": "build.exclude_prefix",
	"clean":          "build.clean",
}

func addSiteFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("source", "s", "", "Source directory (default website)")
	cmd.Flags().StringP("output", "o", "", "Output directory (default dist)")
	cmd.Flags().String("include-root", "", "Directory include paths are resolved against (default the source directory)")
	cmd.Flags().String("exclude-prefix", "", "Name prefix marking fragments that are not written (default _)")
	cmd.Flags().Bool("clean", false, "Remove the output directory before building")
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 3000, "Port to serve on")
	cmd.Flags().String("host", "localhost", "Host to bind to")
	cmd.Flags().Duration("debounce", 0, "Time to wait for more changes before rebuilding")

	AddFlagValidation(cmd, "port", ValidatePort)
	AddFlagValidation(cmd, "debounce", ValidateDuration)
}

// AddFlagValidation adds validation for a specific flag
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}

	flag.Value = &validatingValue{
		Value:     flag.Value,
		validator: validator,
	}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}

// ValidatePort checks that portStr is a usable TCP port.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}

	return nil
}

// ValidateDuration checks that s parses as a non-negative duration.
func ValidateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %s", s)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}
