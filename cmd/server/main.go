// Earshot server - streams client microphone audio through voice filtering,
// transcription, and attention detection, and sends volume commands back.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GriffinCanCode/earshot/internal/attention"
	"github.com/GriffinCanCode/earshot/internal/config"
	"github.com/GriffinCanCode/earshot/internal/dispatch"
	"github.com/GriffinCanCode/earshot/internal/hub"
	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/pipeline"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/server"
	"github.com/GriffinCanCode/earshot/internal/stt"
	"github.com/GriffinCanCode/earshot/internal/syncx"
	"github.com/GriffinCanCode/earshot/internal/voice"
)

const version = "0.1.0"

func main() {
	// .env is a development convenience; real env still wins inside Load.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to init metrics provider", "error", err)
		os.Exit(1)
	}
	met := observe.DefaultMetrics()

	mon := resilience.NewMonitor(resilience.DefaultConfig())
	mon.Breaker("stt").OnStateChange(func(from, to resilience.State) {
		if to == resilience.Open {
			met.RecordBreakerTrip(context.Background(), "stt")
		}
	})

	// Voice profile registry, restored from disk when present.
	registry := voice.NewRegistry(cfg.Sensitivity)
	profilesPath := os.Getenv("PROFILES_PATH")
	if profilesPath == "" {
		profilesPath = "profiles.json"
	}
	if data, err := os.ReadFile(profilesPath); err == nil {
		if err := registry.Restore(data); err != nil {
			slog.Warn("could not restore voice profiles", "path", profilesPath, "error", err)
		} else {
			slog.Info("voice profiles restored", "path", profilesPath, "count", len(registry.List()))
		}
	}

	var provider stt.Provider = stt.Unconfigured{}
	if cfg.STTAPIKey != "" {
		dg, err := stt.NewDeepgram(cfg.STTAPIKey)
		if err != nil {
			slog.Error("invalid stt credentials", "error", err)
			os.Exit(1)
		}
		provider = dg
	} else {
		slog.Warn("no stt api key configured, transcription will not run")
	}

	bridge := stt.NewBridge(provider, mon, met, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	bridge.Start(ctx)

	h := hub.New(mon, met)
	h.Start(ctx)

	engine := attention.NewEngine(mon, met, attention.NewOllamaClient(cfg.LLMEndpoint, cfg.LLMModel))

	dispatcher := dispatch.New(func(c dispatch.Command) {
		h.Broadcast(hub.NewOutbound(hub.TypeVolumeAction, c))
	}, met, cfg.Sensitivity, cfg.SilenceTimeout())

	pipe := pipeline.New(h, registry, bridge, engine, dispatcher, mon, met, syncx.NewGuard(cfg))
	pipe.ApplyConfig(cfg)
	pipe.Run(ctx)

	srv := server.New(pipe, registry, h, mon)

	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Failure to bind the listening port is fatal.
	addr := ":" + strconv.Itoa(cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to bind listening port", "addr", addr, "error", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("earshot server starting", "addr", addr, "version", version)
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Optional dedicated WebSocket port.
	var wsServer *http.Server
	if cfg.WSPort != cfg.Port {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("/ws", h.ServeWS)
		wsServer = &http.Server{Handler: wsMux}

		wsAddr := ":" + strconv.Itoa(cfg.WSPort)
		wsLn, err := net.Listen("tcp", wsAddr)
		if err != nil {
			slog.Error("failed to bind websocket port", "addr", wsAddr, "error", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("websocket listener starting", "addr", wsAddr)
			if err := wsServer.Serve(wsLn); err != http.ErrServerClosed {
				slog.Error("websocket server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("websocket shutdown error", "error", err)
		}
	}

	h.Close()
	bridge.Close()
	dispatcher.Close()

	if data, err := registry.Export(); err == nil {
		if err := os.WriteFile(profilesPath, data, 0o644); err != nil {
			slog.Warn("could not persist voice profiles", "path", profilesPath, "error", err)
		}
	}

	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Error("metrics shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
