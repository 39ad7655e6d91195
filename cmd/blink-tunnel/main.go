package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/codespacesh/blink-tunnel/internal/client"
	"github.com/codespacesh/blink-tunnel/internal/config"
	"github.com/codespacesh/blink-tunnel/internal/edge"
	"github.com/codespacesh/blink-tunnel/internal/health"
	"github.com/codespacesh/blink-tunnel/internal/identity"
	"github.com/codespacesh/blink-tunnel/internal/logging"
	"github.com/codespacesh/blink-tunnel/internal/metrics"
	"github.com/codespacesh/blink-tunnel/internal/session"
	"github.com/codespacesh/blink-tunnel/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blink-tunnel",
		Short: "Reverse HTTP/WebSocket tunnel: expose a local server on a public edge",
	}

	var configPath string
	var verbose bool
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	edgeCmd := &cobra.Command{
		Use:   "edge",
		Short: "Run the public edge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdge(configPath, verbose)
		},
	}

	var serverFlag, secretFlag, targetFlag string
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Run the tunnel client against a local target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(configPath, verbose, serverFlag, secretFlag, targetFlag)
		},
	}
	clientCmd.Flags().StringVar(&serverFlag, "server", "", "Edge server URL (overrides config)")
	clientCmd.Flags().StringVar(&secretFlag, "secret", "", "Client secret (overrides config)")
	clientCmd.Flags().StringVar(&targetFlag, "target", "", "Local target URL (overrides config)")

	idCmd := &cobra.Command{
		Use:   "id <client-secret> <server-secret>",
		Short: "Print the public tunnel id for a secret pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Derive(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Edge listen: %s\n", cfg.Edge.ListenAddress)
			fmt.Printf("  Base URL: %s\n", cfg.Edge.BaseURL)
			fmt.Printf("  Mode: %s\n", cfg.Edge.Mode)
			fmt.Printf("  Ops: %s (enabled: %v)\n", cfg.Ops.ListenAddress, cfg.Ops.Enabled)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blink-tunnel %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	rootCmd.AddCommand(edgeCmd, clientCmd, idCmd, validateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEdge(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if cfg.Edge.ServerSecret == "" {
		return fmt.Errorf("edge.server_secret is required (set it in the config file or BLINK_EDGE_SERVER_SECRET)")
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting blink-tunnel edge",
		"version", Version,
		"listen", cfg.Edge.ListenAddress,
		"base_url", cfg.Edge.BaseURL,
		"mode", string(cfg.Edge.Mode),
	)

	// Cancelled on SIGTERM/SIGINT to tear down control sockets and
	// bridged peers.
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	var idStore session.StreamIDStore
	if cfg.Edge.StateFile != "" {
		fs, err := store.Open(cfg.Edge.StateFile)
		if err != nil {
			return fmt.Errorf("opening state file: %w", err)
		}
		idStore = fs
		slog.Info("stream watermark persistence enabled", "path", cfg.Edge.StateFile)
	}

	var m *metrics.Metrics
	if cfg.Ops.Enabled && cfg.Ops.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Ops.MetricsEndpoint)
	}

	registry := session.NewRegistry(idStore, m)
	stats := edge.NewStats()
	handler := edge.NewHandler(cfg.Edge, registry, stats, shutdownCtx)
	handler.Metrics = m

	// Bind the public listener synchronously so port conflicts surface
	// before sd_notify.
	listener, err := net.Listen("tcp", cfg.Edge.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Edge.ListenAddress, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var opsServer *http.Server
	if cfg.Ops.Enabled {
		opsHandler := health.NewHandler(registry, stats, Version)
		opsMux := http.NewServeMux()
		opsMux.Handle("/health", opsHandler)
		opsMux.HandleFunc("/api/sessions", opsHandler.Sessions)
		if cfg.Ops.MetricsEnabled {
			opsMux.Handle(cfg.Ops.MetricsEndpoint, promhttp.Handler())
		}

		opsListener, err := net.Listen("tcp", cfg.Ops.ListenAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to bind ops listener on %s: %w", cfg.Ops.ListenAddress, err)
		}
		opsServer = &http.Server{
			Handler:           opsMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			slog.Info("ops endpoint listening", "address", cfg.Ops.ListenAddress)
			if err := opsServer.Serve(opsListener); err != nil && err != http.ErrServerClosed {
				slog.Error("ops server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("edge listening", "address", cfg.Edge.ListenAddress)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("edge server error", "error", err)
		}
	}()

	// Notify systemd that the listeners are bound.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Error("sd_notify READY failed", "error", err)
	} else if !sent {
		slog.Debug("sd_notify READY not sent (not running under systemd?)")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan

	slog.Info("received shutdown signal, draining",
		"signal", sig.String(),
		"drain_timeout", cfg.Edge.DrainTimeout.String(),
	)
	watchdogCancel()
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Phase 1: stop accepting, close every control socket gracefully.
	server.Close()
	registry.Shutdown("server shutting down")

	// Wait for sessions to observe the close, bounded by the drain
	// timeout.
	drainDeadline := time.After(cfg.Edge.DrainTimeout)
	drainTick := time.NewTicker(100 * time.Millisecond)
drainLoop:
	for {
		select {
		case <-drainDeadline:
			if remaining := registry.ConnectedCount(); remaining > 0 {
				slog.Warn("drain timeout reached, force-closing", "remaining", remaining)
			}
			break drainLoop
		case <-drainTick.C:
			if registry.ConnectedCount() == 0 {
				slog.Info("all sessions drained")
				break drainLoop
			}
		}
	}
	drainTick.Stop()

	// Phase 2: force-close anything remaining.
	shutdownCancel()

	if opsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		opsServer.Shutdown(ctx)
		cancel()
	}

	slog.Info("shutdown complete")
	return nil
}

func runClient(configPath string, verbose bool, serverFlag, secretFlag, targetFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if serverFlag != "" {
		cfg.Client.ServerURL = serverFlag
	}
	if secretFlag != "" {
		cfg.Client.Secret = secretFlag
	}
	if targetFlag != "" {
		cfg.Client.TargetURL = targetFlag
	}
	if cfg.Client.Secret == "" {
		return fmt.Errorf("client secret is required (--secret, client.secret, or BLINK_CLIENT_SECRET)")
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	transform, err := client.NewTargetTransform(cfg.Client.TargetURL)
	if err != nil {
		return err
	}

	c := client.New(client.Config{
		ServerURL:      cfg.Client.ServerURL,
		Secret:         cfg.Client.Secret,
		Transform:      transform,
		MaxMessageSize: cfg.Client.MaxMessageSize,
		PingInterval:   cfg.Client.PingInterval,
		PongTimeout:    cfg.Client.PongTimeout,
		Backoff: client.Backoff{
			Base:   cfg.Client.Backoff.Base,
			Factor: cfg.Client.Backoff.Factor,
			Cap:    cfg.Client.Backoff.Cap,
		},
		OnConnect: func(info client.Info) {
			slog.Info("tunnel online", "public_url", info.URL, "tunnel_id", info.ID)
		},
		OnDisconnect: func() {
			slog.Warn("tunnel offline")
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("starting blink-tunnel client",
		"version", Version,
		"server", cfg.Client.ServerURL,
		"target", cfg.Client.TargetURL,
	)
	c.Start(ctx)
	slog.Info("client stopped")
	return nil
}
