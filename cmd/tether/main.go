// Tether is a real-time signaling server. It authenticates device sessions
// over TCP and WebSocket, brokers direct peer connections and file transfer
// handshakes between devices, and fans presence out to users and friends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/tether-project/tether/internal/api"
	"github.com/tether-project/tether/internal/cli"
	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/handlers"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/presence"
	"github.com/tether-project/tether/internal/scheduler"
	"github.com/tether-project/tether/internal/store"
	"github.com/tether-project/tether/internal/telemetry"
	"github.com/tether-project/tether/internal/transfer"
	"github.com/tether-project/tether/internal/util"
)

const (
	AppName    = "Tether"
	AppVersion = "1.0.0"
	Banner     = `
  _____    _   _
 |_   _|__| |_| |__   ___ _ __
   | |/ _ \ __| '_ \ / _ \ '__|
   | |  __/ |_| | | |  __/ |
   |_|\___|\__|_| |_|\___|_|   v%s
 Real-time signaling server
`
)

func main() {
	configDir := pflag.String("config-dir", config.DefaultConfigDir, "directory holding config.json")
	logLevel := pflag.String("log-level", "", "override the configured log level")
	noCLI := pflag.Bool("no-cli", false, "disable the interactive console")
	pflag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Console-only logger until the config is loaded
	if err := util.InitLogger(util.LogConfig{Level: "info", Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Tether")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	metrics := telemetry.NewMetrics(nil)

	// Shared connection runtime
	registry := network.NewRegistry()
	router := network.NewRouter(metrics)

	signaling := cfg.GetSignaling()
	peers := peer.NewEngine(signaling.PeerPendingTimeout(), func(connID string) bool {
		_, ok := registry.Get(connID)
		return ok
	})
	transfers := transfer.NewTracker(signaling.TransferTTL())

	gateway := presence.NewGateway(registry, st, metrics)
	gateway.Subscribe(eventBus)

	h := handlers.New(handlers.Deps{
		Registry:  registry,
		Peers:     peers,
		Transfers: transfers,
		Identity:  st,
		Devices:   st,
		Presence:  gateway,
		Bus:       eventBus,
	})
	h.Register(router)
	h.PublishStateChanges()

	rt := &network.Runtime{
		Registry:  registry,
		Router:    router,
		Lifecycle: h,
		Metrics:   metrics,
	}

	tcpListener := network.NewTCPListener(cfg, rt)
	apiServer := api.NewServer(cfg, api.Deps{
		Runtime:   rt,
		WebSocket: network.NewWebSocketServer(cfg, rt),
		Peers:     peers,
		Transfers: transfers,
		Verifier:  st,
		Metrics:   metrics,
		Version:   AppVersion,
	})

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, scheduler.Deps{
		Registry:  registry,
		Peers:     peers,
		Transfers: transfers,
		Store:     st,
		Limiter:   apiServer.Limiter(),
		Metrics:   metrics,
	})

	// The console's quit command arrives as a shutdown event
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		if e.Source == "cli" {
			select {
			case quitCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetServer().TCPPort).Msg("starting TCP listener")
		if err := startWithRetry(ctx, "TCP listener", tcpListener.Start, 15); err != nil {
			log.Error().Err(err).Msg("TCP listener failed after retries")
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetServer().HTTPPort).Msg("starting HTTP server")
		if err := startWithRetry(ctx, "HTTP server", apiServer.Start, 15); err != nil {
			log.Error().Err(err).Msg("HTTP server failed after retries")
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !*noCLI {
		cliHandler := cli.NewCLI(cli.Deps{
			Registry:  registry,
			Peers:     peers,
			Transfers: transfers,
			Bus:       eventBus,
			Version:   AppVersion,
		}, os.Stdin, os.Stdout)

		// Not tracked by wg: a console blocked on stdin must not hold up shutdown.
		go cliHandler.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	cancel()
	registry.CloseAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("Tether stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
// Uses a fixed 3-second interval between retries.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
