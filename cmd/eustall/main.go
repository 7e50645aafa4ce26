package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/eustall/internal/agent"
	"github.com/ethpandaops/eustall/internal/version"
)

var logLevel string

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)

	err := rootCmd().ExecuteContext(ctx)

	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eustall",
		Short: "GPU EU stall sampling agent",
		Long: `eustall samples execution unit stalls on GPUs, aggregates the
raw hardware records per instruction pointer and delivers the resulting
rows to ClickHouse, an HTTP collector or the log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(
		runCmd(),
		recordCmd(),
		calcCmd(),
		migrateCmd(),
		versionCmd(),
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

// markRequired marks the named flags required with mark, one of a
// command's MarkFlagRequired or MarkPersistentFlagRequired.
func markRequired(mark func(string) error, names ...string) {
	for _, name := range names {
		if err := mark(name); err != nil {
			fmt.Fprintf(os.Stderr, "error marking flag %s required: %v\n", name, err)
			os.Exit(1)
		}
	}
}

// newLogger returns a text logger at level, unless --log-level overrides
// it.
func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if logLevel != "" {
		level = logLevel
	}

	if level == "" {
		level = "info"
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	log.SetLevel(lvl)

	return log, nil
}

func runCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sampling agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgFile)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "path to config file (required)")

	markRequired(cmd.MarkFlagRequired, "config")

	return cmd
}

func run(ctx context.Context, cfgFile string) error {
	cfg, err := agent.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	a, err := agent.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting eustall agent")

	if err := a.Start(ctx); err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			log.WithError(stopErr).Warn("Cleanup after failed start")
		}

		return fmt.Errorf("starting agent: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down eustall agent")

	if err := a.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")

		return fmt.Errorf("stopping agent: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
