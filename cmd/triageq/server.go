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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/triageq/internal/api"
	"github.com/kalambet/triageq/internal/config"
	"github.com/kalambet/triageq/internal/connectivity"
	"github.com/kalambet/triageq/internal/notify"
	"github.com/kalambet/triageq/internal/queue"
	"github.com/kalambet/triageq/internal/remote"
	"github.com/kalambet/triageq/internal/storage"
	"github.com/kalambet/triageq/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the triageq daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running triageq daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "triageq.pid")
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

func logLevel(raw string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("triageq is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("triageq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := entries.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	broker := notify.NewBroker()
	manager := queue.NewManager(queue.NewStore(entries), queue.Options{
		MaxItems: cfg.Queue.MaxItems,
		Events:   broker,
	})

	// Assume online until the prober says otherwise; without a prober the
	// engine relies on manual syncs and its own retry timer.
	monitor := connectivity.NewMonitor(true)
	unsubscribe := monitor.Subscribe(func(online bool) {
		broker.Publish(notify.Event{Kind: notify.KindConnectivity, Data: online})
	})
	defer unsubscribe()

	client := remote.NewClient(cfg.Endpoint.URL, remote.Options{
		Timeout:   config.Duration(cfg.Endpoint.Timeout, remote.DefaultTimeout),
		RateLimit: cfg.Endpoint.RateLimit,
		APIKey:    cfg.Endpoint.APIKey,
	})
	eng := syncer.NewEngine(manager, client, monitor, syncer.Options{
		BackoffBase: config.Duration(cfg.Sync.BackoffBase, syncer.DefaultBackoffBase),
		BackoffMax:  config.Duration(cfg.Sync.BackoffMax, syncer.DefaultBackoffMax),
		Events:      broker,
	})

	var purger *queue.PurgeScheduler
	if cfg.Queue.PurgeSchedule != "" {
		purger, err = queue.NewPurgeScheduler(manager, cfg.Queue.PurgeSchedule)
		if err != nil {
			return err
		}
	}

	handler := api.NewAppHandler(api.AppDeps{
		Manager:      manager,
		Engine:       eng,
		Connectivity: monitor,
		Remote:       client,
		Broker:       broker,
		Token:        apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "triageq listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.Connectivity.Enabled {
		prober := connectivity.NewProber(monitor, cfg.ProbeURL())
		prober.Interval = config.Duration(cfg.Connectivity.ProbeInterval, connectivity.DefaultInterval)
		g.Go(func() error {
			return prober.Run(gctx)
		})
		slog.Info("connectivity prober started", "url", prober.URL, "interval", prober.Interval)
	}

	if purger != nil {
		g.Go(func() error {
			return purger.Run(gctx)
		})
		slog.Info("purge scheduler started", "schedule", cfg.Queue.PurgeSchedule)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Manager:      manager,
			Engine:       eng,
			Connectivity: monitor,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		// The stdio server does not return on cancellation while blocked on
		// stdin, so it stays outside the group.
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
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
		printError("triageq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop triageq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to triageq (PID %d)", pid)
	return nil
}
