package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"samgpt/internal/config"
	"samgpt/internal/darksim"
	"samgpt/internal/logging"
	"samgpt/internal/version"
)

var (
	cyan = color.New(color.FgCyan).SprintFunc()
	red  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		port        int
		failureRate float64
		unavailable bool
		dbPath      string
	)

	rootCmd := &cobra.Command{
		Use:   "darkweb-sim",
		Short: "Local dark web gateway simulator",
		Long: fmt.Sprintf(`%s

Serves the gateway HTTP surface the broker talks to, with fabricated
content, a persistent crawl job store and configurable failure
injection. Point the broker at it for local development:

  darkweb-sim --port 8099 --failure-rate 0.2
  SAMGPT_TRANSPORT_BASE_URL=http://127.0.0.1:8099/api/dark-web samgpt-server

Reads the simulator section of the shared config file; flags override
the file.`,
			bold("SamGPT Gateway Simulator "+version.Version)),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.Default().SetLevel(logging.ParseLevel(cfg.Observability.Logging.Level))

			simConfig := cfg.Simulator
			if cmd.Flags().Changed("port") {
				simConfig.Port = port
			}
			if cmd.Flags().Changed("failure-rate") {
				simConfig.FailureRate = failureRate
			}
			if cmd.Flags().Changed("unavailable") {
				simConfig.Unavailable = unavailable
			}
			if cmd.Flags().Changed("db") {
				simConfig.DBPath = dbPath
			}

			return runSimulator(simConfig)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.Flags().IntVar(&port, "port", 8099, "Listen port")
	rootCmd.Flags().Float64Var(&failureRate, "failure-rate", 0, "Probability of an injected 500 per request")
	rootCmd.Flags().BoolVar(&unavailable, "unavailable", false, "Report unavailable and reject requests")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "SQLite job store path (:memory: for ephemeral)")
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", version.Version)
			fmt.Printf("Commit:  %s\n", version.GitCommit)
			fmt.Printf("Built:   %s\n", version.BuildTime)
			fmt.Printf("Go:      %s (%s)\n", version.GoVersion, version.Platform)
		},
	}
}

func runSimulator(simConfig darksim.Config) error {
	logger := logging.NewComponentLogger("DarkwebSim")

	sim, err := darksim.NewSimulator(simConfig, logger)
	if err != nil {
		return fmt.Errorf("build simulator: %w", err)
	}

	fmt.Printf("%s %s\n", bold("SamGPT Gateway Simulator"), version.Version)
	fmt.Printf("  %s  http://%s/api/dark-web\n", cyan("Gateway:"), sim.Addr())
	fmt.Printf("  %s  %s\n", cyan("Jobs DB:"), simConfig.DBPath)
	if simConfig.FailureRate > 0 {
		fmt.Printf("  %s  %.0f%% injected failures\n", cyan("Chaos:"), simConfig.FailureRate*100)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sim.Start(ctx)
	logger.Info("Simulator stopped")
	return err
}
