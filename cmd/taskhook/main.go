// Command taskhook runs the task result ingestion service.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskhook/config"
	"github.com/vinayprograms/taskhook/credentials"
	"github.com/vinayprograms/taskhook/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath      string
	credentialsPath string
	logLevel        string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "taskhook",
		Short:         "Idempotent task result ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `taskhook accepts tasks over HTTP, triggers an external workflow engine
for each one from a pool of background workers, and ingests the signed
result callbacks the engine sends back.

Configuration comes from a TOML or YAML file, TASKHOOK_* environment
variables and a credentials.toml file with mode 0400.`,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&flags.credentialsPath, "credentials", "", "credentials file (default: search standard paths)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(flags), requeueCmd(flags), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskhook %s (%s)\n", Version, runtime.Version())
		},
	}
}

// load resolves credentials and configuration and builds the logger.
func (f *globalFlags) load() (*config.Config, *credentials.Credentials, *logging.Logger, error) {
	var (
		creds *credentials.Credentials
		err   error
	)
	if f.credentialsPath != "" {
		creds, err = credentials.LoadFile(f.credentialsPath)
	} else {
		creds, _, err = credentials.Load()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	cfg, err := config.Load(f.configPath, creds)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if f.logLevel != "" {
		level = f.logLevel
		cfg.Log.Level = level
	}
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(level))
	return cfg, creds, logger, nil
}
