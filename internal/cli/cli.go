// Package cli parses the command line into app options.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/storyflow/internal/app"
)

// ExitError is an error carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns the populated app
// options, a boolean indicating the program should exit cleanly (help was
// requested), or an ExitError.
func Parse(args []string, output io.Writer) (*app.Options, bool, error) {
	flagSet := flag.NewFlagSet("storyflow", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Storyflow - a story generation task service.

Usage:
  storyflow [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the HCL configuration file.")
	cFlag := flagSet.String("c", "", "Path to the HCL configuration file (shorthand).")
	listenFlag := flagSet.String("listen", "", "Listen address, overrides the config file.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = *cFlag
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "" && logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	return &app.Options{
		ConfigPath: configPath,
		Listen:     *listenFlag,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
	}, false, nil
}
