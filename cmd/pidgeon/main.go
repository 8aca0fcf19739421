package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	serverrun "github.com/CalBearKen/ProjectPidgeon/internal/cmd/server"
	cfgpkg "github.com/CalBearKen/ProjectPidgeon/internal/config"
	logpkg "github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pidgeon",
		Short: "Pidgeon queue coordination CLI",
		Long:  "Pidgeon is a task queue coordination substrate. This CLI manages the server and basic queue operations.",
	}

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newDepthCommand())
	rootCmd.AddCommand(newDeadLetterCommand())
	rootCmd.AddCommand(newSupervisorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, format string) (logpkg.Logger, error) {
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.JSONFormatter{}
	if format == "text" {
		formatter = &logpkg.TextFormatter{}
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	return logger, nil
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the pidgeon server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			backend, _ := cmd.Flags().GetString("backend")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			redisAddr, _ := cmd.Flags().GetString("redis")

			// Flags overlay as env so config.Load folds them in its usual
			// precedence order.
			if backend != "" {
				_ = os.Setenv("PIDGEON_BACKEND", backend)
			}
			if dataDir != "" {
				_ = os.Setenv("PIDGEON_DATA_DIR", dataDir)
			}
			if redisAddr != "" {
				_ = os.Setenv("PIDGEON_REDIS_ADDR", redisAddr)
			}
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			// Pebble logs through the standard library.
			logpkg.RedirectStdLog(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serverrun.Run(ctx, serverrun.Options{
				HTTPAddr: httpAddr,
				Config:   cfg,
				Logger:   logger,
			})
		},
	}
	startCmd.Flags().String("config", "", "Path to a JSON or YAML config file")
	startCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	startCmd.Flags().String("backend", "", "Queue backend: memory|pebble|redis")
	startCmd.Flags().String("data-dir", "", "Data directory for the pebble backend")
	startCmd.Flags().String("redis", "", "Redis address for the redis backend")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a task envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType, _ := cmd.Flags().GetString("task-type")
			priority, _ := cmd.Flags().GetInt("priority")
			ttlMs, _ := cmd.Flags().GetInt64("ttl-ms")
			queueName, _ := cmd.Flags().GetString("queue")
			payloadDoc, _ := cmd.Flags().GetString("payload")

			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(payloadDoc), &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			return postAPI("/v1/queues/publish", map[string]any{
				"queue":     queueName,
				"task_type": taskType,
				"priority":  priority,
				"ttl_ms":    ttlMs,
				"payload":   payload,
			})
		},
	}
	cmd.Flags().String("task-type", "CUSTOM", "Task type tag")
	cmd.Flags().Int("priority", 0, "Priority 1-9, higher is more urgent (0 = default)")
	cmd.Flags().Int64("ttl-ms", 0, "TTL budget in ms (0 = default)")
	cmd.Flags().String("queue", "", "Target queue (default: the intake queue)")
	cmd.Flags().String("payload", "{}", "Payload JSON object")
	return cmd
}

func newDepthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "depth",
		Short: "Show queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			path := "/v1/queues/depth"
			if queueName != "" {
				path += "?queue=" + queueName
			}
			return getAPI(path)
		},
	}
	cmd.Flags().String("queue", "", "Queue name (empty = all queues)")
	return cmd
}

func newDeadLetterCommand() *cobra.Command {
	dlCmd := &cobra.Command{Use: "deadletter", Short: "Dead-letter triage"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records for a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			return getAPI("/v1/deadletters?queue=" + queueName)
		},
	}
	listCmd.Flags().String("queue", "tasks", "Queue name")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish a dead-lettered envelope with retry state reset",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			messageID, _ := cmd.Flags().GetString("message-id")
			return postAPI("/v1/deadletters/replay", map[string]any{
				"queue":      queueName,
				"message_id": messageID,
			})
		},
	}
	replayCmd.Flags().String("queue", "tasks", "Queue name")
	replayCmd.Flags().String("message-id", "", "Dead-lettered message id")

	discardCmd := &cobra.Command{
		Use:   "discard",
		Short: "Drop a dead-letter record",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			messageID, _ := cmd.Flags().GetString("message-id")
			return postAPI("/v1/deadletters/discard", map[string]any{
				"queue":      queueName,
				"message_id": messageID,
			})
		},
	}
	discardCmd.Flags().String("queue", "tasks", "Queue name")
	discardCmd.Flags().String("message-id", "", "Dead-lettered message id")

	dlCmd.AddCommand(listCmd, replayCmd, discardCmd)
	return dlCmd
}

func newSupervisorCommand() *cobra.Command {
	supCmd := &cobra.Command{Use: "supervisor", Short: "Supervisor operations"}

	circuitsCmd := &cobra.Command{
		Use:   "circuits",
		Short: "Show circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAPI("/v1/supervisor/circuits")
		},
	}
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the supervisor audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAPI("/v1/supervisor/audit")
		},
	}
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Emergency-stop consumption for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			reason, _ := cmd.Flags().GetString("reason")
			return postAPI("/v1/supervisor/stop", map[string]any{"target": target, "reason": reason})
		},
	}
	stopCmd.Flags().String("target", "", "Queue name (empty = all)")
	stopCmd.Flags().String("reason", "operator", "Reason recorded in the audit trail")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Lift an emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			reason, _ := cmd.Flags().GetString("reason")
			return postAPI("/v1/supervisor/resume", map[string]any{"target": target, "reason": reason})
		},
	}
	resumeCmd.Flags().String("target", "", "Queue name (empty = all)")
	resumeCmd.Flags().String("reason", "operator", "Reason recorded in the audit trail")

	supCmd.AddCommand(circuitsCmd, auditCmd, stopCmd, resumeCmd)
	return supCmd
}

func apiURL() string {
	if v := os.Getenv("PIDGEON_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func postAPI(path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(apiURL()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func getAPI(path string) error {
	resp, err := http.Get(apiURL() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		fmt.Println(string(bytes.TrimSpace(out)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	fmt.Println("status:", resp.Status)
	return nil
}
