package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/pantryd/pantryd/internal/api"
	"github.com/pantryd/pantryd/internal/config"
	"github.com/pantryd/pantryd/internal/inference"
	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/orchestrator"
	"github.com/pantryd/pantryd/internal/recipecache"
	"github.com/pantryd/pantryd/internal/storage"
	"github.com/pantryd/pantryd/internal/workers"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pantryd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pantryd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pantryd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pantryd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "pantryd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse to start twice. The health endpoint is the source of truth;
	// the PID file just names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("pantryd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("pantryd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Recipe cache: Redis when configured, in-process otherwise.
	var cache recipecache.Cache
	if cfg.Cache.RedisAddr != "" {
		redisCache, err := recipecache.NewRedis(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisCache.Close()
		cache = redisCache
		slog.Info("recipe cache: redis", "addr", cfg.Cache.RedisAddr)
	} else {
		cache = recipecache.NewMemory()
		slog.Info("recipe cache: in-memory")
	}

	gateway := inference.New(inference.Options{
		Endpoint:         cfg.Inference.Endpoint,
		Model:            cfg.Inference.Model,
		APIKey:           cfg.Inference.APIKey,
		MaxInFlight:      cfg.Inference.MaxInFlight,
		AdmissionTimeout: time.Duration(cfg.Inference.AdmissionTimeoutMs) * time.Millisecond,
		InterpretTimeout: time.Duration(cfg.Inference.InterpretTimeoutSeconds) * time.Second,
		RecommendTimeout: time.Duration(cfg.Inference.RecommendTimeoutSeconds) * time.Second,
	})

	invoker := invoke.New(invoke.Options{
		StepTimeout:      time.Duration(cfg.Workflow.StepTimeoutSeconds) * time.Second,
		MaxAttempts:      cfg.Workflow.MaxAttempts,
		BreakerThreshold: cfg.Workflow.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Workflow.BreakerCooldownSecs) * time.Second,
	})

	cacheTTL := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	orch := orchestrator.New(store, invoker, orchestrator.Workers{
		Interpreter: workers.NewInterpreter(gateway),
		Estimator:   workers.NewEstimator(),
		Tracker:     workers.NewTracker(store),
		Recommender: workers.NewRecommender(gateway, cache, cacheTTL),
	}, orchestrator.Options{
		RunDeadline:          time.Duration(cfg.Workflow.RunDeadlineSeconds) * time.Second,
		EstimatorConcurrency: cfg.Workflow.EstimatorConcurrency,
		Retention:            time.Duration(cfg.Workflow.RetentionDays) * 24 * time.Hour,
	})
	defer orch.Close()

	// Pick interrupted runs back up, and keep old ones from piling up.
	if err := orch.ResumeAll(ctx); err != nil {
		slog.Warn("resuming unfinished runs", "error", err)
	}
	go orch.RunRetention(ctx)

	handler := api.NewHandler(api.Deps{
		Runs:      orch,
		Inventory: store,
		Gauge:     gateway,
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{Handler: handler}

	// MCP server on stdio, for agent access alongside the HTTP API.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Runs: orch, Inventory: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "pantryd listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("pantryd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pantryd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pantryd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Inference", "%s (model %s)", cfg.Inference.Endpoint, cfg.Inference.Model)
	if cfg.Cache.RedisAddr != "" {
		printStatus("Recipe cache", "redis at %s", cfg.Cache.RedisAddr)
	} else {
		printStatus("Recipe cache", "in-memory")
	}

	// Item count, if the server is up.
	if resp != nil && resp.StatusCode == 200 {
		groceryResp, err := client.Get(serverURL + "/grocery")
		if err == nil {
			var items []struct {
				Status string `json:"status"`
			}
			if decodeErr := decodeJSON(groceryResp, &items); decodeErr == nil {
				expiring := 0
				for _, item := range items {
					if item.Status == storage.ItemExpiringSoon {
						expiring++
					}
				}
				printStatus("Grocery items", "%d (%d expiring soon)", len(items), expiring)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
