package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "fleetrun"
	version = "v1.4.0"
)

var (
	configPath string
	serverAddr string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Autonomous futures paper-trading control plane",
		Version: version,
		Long: `fleetrun runs a fleet of paper-trading bots against live futures data:
tiered market-data cache, freshness-gated price authority, per-bot
runners, graduation gates, and blown-account recovery.

'fleetrun serve' starts the daemon; the other subcommands are thin
HTTP clients against a running daemon.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/fleetrun.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8090", "Daemon base URL for client subcommands")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane daemon",
		RunE:  runServe,
	}

	runnerCmd := &cobra.Command{
		Use:   "runner",
		Short: "Start and stop paper runners",
	}
	startCmd := &cobra.Command{
		Use:   "start <bot-id>",
		Short: "Start a paper runner for a bot",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunnerStart,
	}
	startCmd.Flags().String("account", "", "Account the bot trades against (required)")
	stopCmd := &cobra.Command{
		Use:   "stop <bot-id>",
		Short: "Stop a running paper runner",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunnerStop,
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active runners",
		RunE:  runRunnerList,
	}
	runnerCmd.AddCommand(startCmd, stopCmd, listCmd)

	killCmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Flatten every position and stop all runners",
		RunE:  runKillSwitch,
	}
	killCmd.Flags().String("reason", "", "Audit reason (required)")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Market-data cache operations",
	}
	refreshCmd := &cobra.Command{
		Use:   "refresh <symbol>",
		Short: "Force-refresh the warm cache for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheRefresh,
	}
	refreshCmd.Flags().Int("days", 30, "How many days of history to pull")
	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show warm-cache occupancy",
		RunE:  runCacheSummary,
	}
	cacheCmd.AddCommand(refreshCmd, summaryCmd)

	gradCmd := &cobra.Command{
		Use:   "graduation <bot-id>",
		Short: "Evaluate a bot's graduation gates",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraduation,
	}

	voteCmd := &cobra.Command{
		Use:   "vote <symbol>",
		Short: "Run one ensemble vote round",
		Args:  cobra.ExactArgs(1),
		RunE:  runVote,
	}
	voteCmd.Flags().String("category", "ADVISORY", "Vote category (ENTRY|EXIT|ADVISORY)")
	voteCmd.Flags().Bool("supermajority", false, "Require a 2/3 supermajority")

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Job queue operations",
	}
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE:  runQueueStats,
	}
	queueCmd.AddCommand(statsCmd)

	rootCmd.AddCommand(serveCmd, runnerCmd, killCmd, cacheCmd, gradCmd, voteCmd, queueCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
