package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/execlog"
	"github.com/devstack/phaserun/internal/mcptools"
	"github.com/devstack/phaserun/internal/natsbus"
	"github.com/mark3labs/mcp-go/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <agent>...",
		Short: "Show the execution phases for agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			g := engine.Graph(cfg.Dependencies())
			if g == nil {
				g = engine.DefaultGraph()
			}
			plan, err := engine.BuildPlan(g, parseAgents(args))
			if err != nil {
				return err
			}
			fmt.Print(renderPlan(plan))
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <agent>...",
		Short: "Run agents in dependency order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawContext, _ := cmd.Flags().GetString("context")
			asJSON, _ := cmd.Flags().GetBool("json")

			values, err := parseContext(rawContext)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setup, err := newEngine(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer setup.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, runErr := setup.engine.RunWithDependencies(ctx, parseAgents(args), values)
			if report == nil {
				return runErr
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Print(renderReport(report))
			}

			if runErr != nil {
				return runErr
			}
			if report.Summary.Failed > 0 {
				return fmt.Errorf("%d of %d agents failed", report.Summary.Failed, report.Summary.TotalAgents)
			}
			return nil
		},
	}
	cmd.Flags().String("context", "", "JSON object passed to every agent")
	cmd.Flags().Bool("json", false, "Print the full report as JSON")
	return cmd
}

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the execution log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			records, err := execlog.ReadFile(cfg.Engine.LogPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Println("no executions logged yet")
					return nil
				}
				return err
			}
			fmt.Print(renderRecords(filterRecords(records, agent, limit)))
			return nil
		},
	}
	cmd.Flags().StringP("agent", "a", "", "Only show this agent")
	cmd.Flags().IntP("limit", "n", 50, "Show at most this many records (0 for all)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			st, err := fetchStatus(cmd.Context(), addr, os.Getenv("PHASERUN_WEB_PASSWORD"))
			if err != nil {
				return err
			}
			fmt.Print(renderStatus(st))
			return nil
		},
	}
	cmd.Flags().String("addr", "http://localhost:8080", "Server address")
	return cmd
}

func fetchStatus(ctx context.Context, addr, password string) (engine.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/api/status", nil)
	if err != nil {
		return engine.Status{}, err
	}
	if password != "" {
		req.SetBasicAuth("phaserun", password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return engine.Status{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return engine.Status{}, fmt.Errorf("fetch status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var body struct {
		Engine engine.Status `json:"engine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return engine.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return body.Engine, nil
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream engine events from a server's NATS bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("nats")
			client, err := natsbus.NewClientFromURL(url)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
				fmt.Printf("%s %s\n", dimStyle.Render(msg.Subject), msg.Data)
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("nats", "nats://127.0.0.1:4222", "NATS server URL")
	return cmd
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setup, err := newEngine(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer setup.close()

			return server.ServeStdio(mcptools.NewServer(setup.engine, version))
		},
	}
}
