package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pulsegrade/taxrates/config"
	"pulsegrade/taxrates/logger"

	"github.com/spf13/cobra"
)

var (
	environment string
	offline     bool
	jsonOutput  bool
	dumpMetrics bool

	rt *app

	rootCmd = &cobra.Command{
		Use:   "taxrates",
		Short: "Resolve sales tax rates across providers",
		Long: `taxrates resolves sales tax rates and validates addresses through the
configured providers, with caching, circuit breaking and automatic fallback.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&environment, "env", "e", "dev", "configuration environment (dev, prod, ...)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "use only the internal rate table")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&dumpMetrics, "metrics", false, "print collected prometheus metrics on exit")

	rootCmd.AddCommand(ratesCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(benchCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	if rt != nil {
		rt.Close()
	}
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(environment)
	if offline {
		cfg.Providers.Avalara.Enabled = false
		cfg.Service.PrimaryProvider = cfg.Providers.Static.Name
		cfg.Service.FallbackProviders = nil
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var err error
	rt, err = newApp(cmd.Context(), cfg)
	return err
}

// teardown only runs after a successful command; main closes the app either way
func teardown(cmd *cobra.Command, _ []string) error {
	if dumpMetrics {
		return writeMetrics(cmd.OutOrStdout())
	}
	return nil
}
