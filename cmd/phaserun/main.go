package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:          "phaserun",
		Short:        "Dependency-aware parallel agent runner",
		Long:         "phaserun plans agents into dependency phases and runs each phase in parallel under shared resource locks.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(debug)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(newPlanCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newLogCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newEventsCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newMCPCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("phaserun %s\n", version)
		},
	})
	return root
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug || strings.EqualFold(os.Getenv("PHASERUN_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
