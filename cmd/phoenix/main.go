package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phoenixdesk/phoenix/internal/app"
	"github.com/phoenixdesk/phoenix/internal/config"
)

const (
	appName = "phoenix"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Phoenix trading safety kernel",
		Version: version,
		Long: `Phoenix is the safety kernel of the trading desk: halt mesh, tiered
governance, single-use approval tokens, the position lifecycle and the
read-only reconciler. Strategies propose; humans approve; the kernel
enforces.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to kernel YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kernel and the operator HTTP surface",
		RunE:  runKernel,
	}

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run module self-checks and the halt latency probe",
		RunE:  runSelfTest,
	}
	selftestCmd.Flags().Int("trials", 1000, "Halt latency probe trials")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the kernel version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, selftestCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runKernel(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	kernel, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("http", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)).
		Msg("phoenix kernel starting")
	return kernel.Run(ctx)
}

func runSelfTest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	trials, _ := cmd.Flags().GetInt("trials")

	kernel, err := app.New(cfg)
	if err != nil {
		return err
	}

	report := kernel.SelfTest(trials)
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !report.Passed {
		return fmt.Errorf("self-test failed: p99 halt latency %.3fms (target %.0fms)", report.HaltProbe.P99MS, 50.0)
	}
	log.Info().
		Float64("p50_ms", report.HaltProbe.P50MS).
		Float64("p99_ms", report.HaltProbe.P99MS).
		Int("trials", report.HaltProbe.Trials).
		Msg("self-test passed")
	return nil
}
