// Package cli implements the snbwriter commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"

	// Global flags.
	cfgFile  string
	noDirect bool
)

var rootCmd = &cobra.Command{
	Use:   "snbwriter",
	Short: "Sequential block writer for trigger record data",
	Long: `snbwriter streams trigger records into fixed-size, aligned blocks on a raw
device or a preallocated file, through Linux native AIO or io_uring.

Use "snbwriter [command] --help" for more information about a command.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or TOML); defaults and SNB_* environment otherwise")
	rootCmd.PersistentFlags().BoolVar(&noDirect, "no-direct", false, "use the page cache instead of O_DIRECT (tmpfs and friends)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(inspectCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// InitLogger installs the tint handler at level (DEBUG, INFO, WARN or ERROR).
func InitLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	})))
	return nil
}
