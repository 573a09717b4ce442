package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/postpilot/pkg/models"
	"github.com/agentoven/postpilot/pkg/server"
)

// getJSON fetches path and prints the decoded body.
func getJSON(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var out any
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// postAction posts one action and prints the decoded body.
func postAction(cmd *cobra.Command, path, action string, fields map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.action(cmd.Context(), path, action, fields)
	if err != nil {
		return err
	}
	var out any
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show control plane health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			return err
		}
		var h struct {
			Status string `json:"status"`
			Store  string `json:"store"`
			React  string `json:"react"`
		}
		if err := decodeJSON(resp, &h); err != nil {
			return err
		}
		printStatus("status", "%s", h.Status)
		printStatus("store", "%s", h.Store)
		printStatus("react", "%s", h.React)
		return nil
	},
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		count, _ := cmd.Flags().GetInt("count")
		q.Set("count", strconv.Itoa(count))
		if t, _ := cmd.Flags().GetString("type"); t != "" {
			q.Set("type", t)
		}
		if s, _ := cmd.Flags().GetString("source"); s != "" {
			q.Set("source", s)
		}
		return getJSON(cmd, "/api/events?"+q.Encode())
	},
}

var emitCmd = &cobra.Command{
	Use:   "emit <type>",
	Short: "Emit an event onto the bus",
	Long: `Emit an event onto the bus.

Examples:
  postpilot emit cron.tick --source scheduler
  postpilot emit ops.note --source cli --priority high --data '{"msg":"deploy"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		priority, _ := cmd.Flags().GetString("priority")
		raw, _ := cmd.Flags().GetString("data")

		fields := map[string]any{"type": args[0], "source": source, "priority": priority}
		if raw != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
			fields["data"] = data
		}
		return postAction(cmd, "/api/events", "emit", fields)
	},
}

func init() {
	eventsCmd.Flags().Int("count", 20, "maximum number of events")
	eventsCmd.Flags().String("type", "", "event type filter (a trailing .* matches by prefix)")
	eventsCmd.Flags().String("source", "", "event source filter")

	emitCmd.Flags().String("source", "cli", "event source")
	emitCmd.Flags().String("priority", string(models.PriorityNormal), "low, normal, high or urgent")
	emitCmd.Flags().String("data", "", "JSON object payload")
}

// --- stock ---

var stockCmd = &cobra.Command{
	Use:   "stock",
	Short: "Inspect and manage the post stock",
}

var stockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Per-account stock counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/dm-hunter/stock?view=status")
	},
}

var stockShowCmd = &cobra.Command{
	Use:   "show <account>",
	Short: "List every stock item of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/dm-hunter/stock?view=details&account="+url.QueryEscape(args[0]))
	},
}

var stockRefillCmd = &cobra.Command{
	Use:   "refill [account]",
	Short: "Refill one account, or every account below its threshold",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return postAction(cmd, "/api/dm-hunter/stock", "refill-all", nil)
		}
		return postAction(cmd, "/api/dm-hunter/stock", "refill", map[string]any{"account": args[0]})
	},
}

var stockAddCmd = &cobra.Command{
	Use:   "add <account> <text>",
	Short: "Add a hand-written post to an account's stock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		theme, _ := cmd.Flags().GetString("theme")
		return postAction(cmd, "/api/dm-hunter/stock", "add", map[string]any{
			"account": args[0], "text": args[1], "theme": theme, "score": 1.0,
		})
	},
}

var stockPublishCmd = &cobra.Command{
	Use:   "publish <account>",
	Short: "Publish the next stocked post of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.action(cmd.Context(), "/api/dm-hunter/stock", "publish", map[string]any{
			"account": args[0], "platform": platform,
		})
		if err != nil {
			return err
		}
		var out models.PublishOutcome
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		switch {
		case out.Verdict.Status == models.VerdictSuccess:
			printSuccess("Published for %s (chain %s)", out.Account, out.ChainID)
		case out.Queued:
			printWarning("Publish failed (%s), queued for retry", out.Verdict.Reason)
		default:
			printWarning("Publish %s: %s", out.Verdict.Status, out.Verdict.Reason)
		}
		return printJSON(out)
	},
}

func init() {
	stockAddCmd.Flags().String("theme", "", "theme label")
	stockPublishCmd.Flags().String("platform", "", "platform override (defaults to the account's)")
	stockCmd.AddCommand(stockStatusCmd, stockShowCmd, stockRefillCmd, stockAddCmd, stockPublishCmd)
}

// --- chains ---

var chainCmd = &cobra.Command{
	Use:   "chain [id]",
	Short: "Show one trigger chain, or the most recent ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return getJSON(cmd, "/api/tracer?type=chain&chainId="+url.QueryEscape(args[0]))
		}
		if active, _ := cmd.Flags().GetBool("active"); active {
			return getJSON(cmd, "/api/tracer?type=active")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return getJSON(cmd, "/api/tracer?type=chains&limit="+strconv.Itoa(limit))
	},
}

func init() {
	chainCmd.Flags().Int("limit", 10, "number of chains to list")
	chainCmd.Flags().Bool("active", false, "list only active chains")
}

// --- sessions ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect platform sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/session")
	},
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check <platform> <account>",
	Short: "Explain whether a session is valid",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/api/session", "check", map[string]any{"platform": args[0], "accountId": args[1]})
	},
}

var sessionInvalidateCmd = &cobra.Command{
	Use:   "invalidate <platform> <account>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/api/session", "invalidate", map[string]any{"platform": args[0], "accountId": args[1]})
	},
}

func init() {
	sessionCmd.AddCommand(sessionCheckCmd, sessionInvalidateCmd)
}

// --- failed queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List failed operations awaiting retry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if due, _ := cmd.Flags().GetBool("due"); due {
			return getJSON(cmd, "/api/failed-queue?due=true")
		}
		return getJSON(cmd, "/api/failed-queue")
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry every due failed operation now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/api/failed-queue", "sweep", nil)
	},
}

func init() {
	queueCmd.Flags().Bool("due", false, "only entries whose retry time has passed")
	queueCmd.AddCommand(queueSweepCmd)
}

// --- react ---

var reactCmd = &cobra.Command{
	Use:       "react <start|stop|status|reset|tick>",
	Short:     "Control the ReAct scheduler",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"start", "stop", "status", "reset", "tick"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := args[0]
		switch action {
		case "start":
			settings := map[string]any{}
			if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
				settings["cycleIntervalMs"] = d.Milliseconds()
			}
			if n, _ := cmd.Flags().GetInt("max-actions"); n > 0 {
				settings["maxActionsPerCycle"] = n
			}
			return postAction(cmd, "/api/react-loop", "start", map[string]any{"config": settings})
		case "stop", "status", "reset", "tick":
			return postAction(cmd, "/api/react-loop", action, nil)
		default:
			return fmt.Errorf("unknown react action %q", action)
		}
	},
}

func init() {
	reactCmd.Flags().Duration("interval", 0, "cycle interval override for start")
	reactCmd.Flags().Int("max-actions", 0, "max actions per cycle override for start")
}

// --- orchestrator ---

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <instruction>",
	Short: "Run the CMO, Creative and COO pipeline once",
	Long: `Run the CMO, Creative and COO pipeline once.

Examples:
  postpilot orchestrate "Tease tonight's stream" --account liver --save
  postpilot orchestrate "Ask followers about the new set list" --count 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		theme, _ := cmd.Flags().GetString("theme")
		count, _ := cmd.Flags().GetInt("count")
		save, _ := cmd.Flags().GetBool("save")
		return postAction(cmd, "/api/agent/orchestrate", "execute", map[string]any{
			"directive": args[0], "account": account, "theme": theme, "count": count, "autoSave": save,
		})
	},
}

var learnCmd = &cobra.Command{
	Use:   "learn <insight>",
	Short: "Teach the orchestrator a CEO insight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.action(cmd.Context(), "/api/agent/orchestrate", "learn", map[string]any{"insight": args[0]})
		if err != nil {
			return err
		}
		var in models.Insight
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}
		printSuccess("Stored insight %s", in.ID)
		return nil
	},
}

func init() {
	orchestrateCmd.Flags().String("account", "", "target account")
	orchestrateCmd.Flags().String("theme", "", "theme hint")
	orchestrateCmd.Flags().Int("count", 0, "candidates per attempt")
	orchestrateCmd.Flags().Bool("save", false, "save the approved post to the account's stock")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an in-process control plane and serve its MCP tools over stdio",
	Long: `Run an in-process control plane and serve its MCP tools over stdio.

Logs go to stderr; stdout carries the MCP protocol only. The HTTP API is
not started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx)
		if err != nil {
			return err
		}
		defer srv.Close(context.Background())
		srv.Start(ctx)

		stdio := mcpserver.NewStdioServer(srv.MCP)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	},
}
