package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/api"
	"github.com/neopro/edge-agent/internal/auth"
	"github.com/neopro/edge-agent/internal/command"
	"github.com/neopro/edge-agent/internal/config"
	"github.com/neopro/edge-agent/internal/download"
	"github.com/neopro/edge-agent/internal/metrics"
	"github.com/neopro/edge-agent/internal/notify"
	"github.com/neopro/edge-agent/internal/queue"
	"github.com/neopro/edge-agent/internal/session"
	"github.com/neopro/edge-agent/internal/store"
	"github.com/neopro/edge-agent/internal/update"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

// run carries the agent lifecycle so deferred cleanup (NATS connection,
// context cancel) executes before the process exit code is set.
func run() int {
	// Command line flags
	var configFile string
	var validateOnly bool
	var showConfig bool
	flag.StringVar(&configFile, "config", "config/edge-agent.yml", "Configuration file path")
	flag.BoolVar(&validateOnly, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&showConfig, "show-config", false, "Print configuration summary and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if validateOnly {
		fmt.Println("configuration ok")
		return 0
	}
	if showConfig {
		cfg.PrintSummary()
		return 0
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("version", version).Str("site", cfg.Site.ID).Msg("Starting edge agent")

	// Durable state
	library := store.NewLibrary(cfg.Paths.LibraryFile, cfg.Paths.BackupsDir)
	history := store.OpenHistory(cfg.Paths.HistoryFile)
	status := store.NewStatus()

	q, err := queue.Open(cfg.Paths.QueueFile, cfg.Paths.DeadLetterFile, queue.Options{
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
		TTL:         cfg.Queue.TTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open offline queue")
	}

	// Local playback loop
	notifier := notify.NewLocal(cfg.Notify.NATSURL)
	defer notifier.Close()

	// Device services
	svc := update.Systemctl{}
	dl := download.New()
	sampler := metrics.NewSystem(version, cfg.Paths.DataDir, os.Hostname)

	orchestrator := update.NewOrchestrator(cfg.Update, cfg.Paths, svc, dl, history, notifier)
	hotspot := update.NewHotspot(cfg.Paths.HostapdConf, cfg.Hotspot.Service, svc, history, cfg.Update.HealthTimeout)

	// Session and command plumbing
	dispatcher := command.NewDispatcher(cfg.Commands.Allowed)
	tokens := auth.NewTokenManager(cfg.Site.ID, cfg.Site.APIKey, cfg.Server.TokenTTL)
	sess := session.New(cfg, tokens, dispatcher, q, status, sampler)

	restartable := append([]string{}, cfg.Update.Services...)
	restartable = append(restartable, cfg.Hotspot.Service, cfg.Update.AgentService)
	command.NewHandlers(dispatcher, command.Options{
		Library:             library,
		History:             history,
		Notifier:            notifier,
		Sampler:             sampler,
		Services:            svc,
		Update:              orchestrator,
		Hotspot:             hotspot,
		Download:            dl,
		Sink:                sess,
		VideosDir:           cfg.Paths.VideosDir,
		LogFile:             cfg.Paths.LogFile,
		ServerURL:           cfg.Server.URL,
		RestartableServices: restartable,
	})

	// Buffer playback analytics for the periodic flush
	if err := notifier.SubscribeAnalytics(sess.AddAnalytics); err != nil {
		log.Warn().Err(err).Msg("Playback analytics unavailable")
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WaitGroup for services
	var wg sync.WaitGroup

	// Daily backups and hourly expiry sweeps
	maintenance := &store.Maintenance{Library: library, History: history, Notifier: notifier}
	wg.Add(1)
	go func() {
		defer wg.Done()
		maintenance.Run(ctx)
	}()

	// Local read-only API
	apiServer := api.NewRESTServer(library, history, status, q, hotspot, version)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil {
			log.Error().Err(err).Msg("Local API server stopped")
		}
	}()

	// Central session
	sessionDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessionDone <- sess.Run(ctx)
	}()

	// Wait for signal or fatal session failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case err := <-sessionDone:
		if err != nil {
			log.Error().Err(err).Msg("Session ended fatally, shutting down")
			exitCode = 1
		}
	}

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Edge agent stopped")
	return exitCode
}
