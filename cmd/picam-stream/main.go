package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/picam-stream/cmd/picam-stream/handlers"
	"github.com/wachiwi/picam-stream/cmd/picam-stream/middleware"
	"github.com/wachiwi/picam-stream/pkg/broadcast"
	"github.com/wachiwi/picam-stream/pkg/camera"
	"github.com/wachiwi/picam-stream/pkg/config"
	"github.com/wachiwi/picam-stream/pkg/indicator"
	"github.com/wachiwi/picam-stream/pkg/logger"
	"github.com/wachiwi/picam-stream/pkg/mjpeg"
	"github.com/wachiwi/picam-stream/pkg/telemetry"
	"go.opentelemetry.io/otel"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "picam.yaml", "path to the YAML config file")
	port := flag.Int("port", 0, "listen port, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", "error", err)
	}
	if *port != 0 {
		cfg.Stream.Port = *port
		if err := cfg.Validate(); err != nil {
			logger.Fatal("Invalid port flag", "error", err)
		}
	}
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		logger.Fatal("Failed to set up logger", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		slog.Error("Failed to set up telemetry", "error", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.Stream.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.InstrumentationName))
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		return 1
	}

	ind := openIndicator(cfg.Indicator)
	defer ind.Close()

	policy, err := mjpeg.ParseStartPolicy(cfg.Stream.StartPolicy)
	if err != nil {
		slog.Error("Invalid start policy", "error", err)
		return 1
	}

	// The broadcaster exists before the camera starts and before any client
	// can connect.
	frames := broadcast.New()

	stream := &handlers.StreamHandler{
		Frames:      frames,
		StartPolicy: policy,
		IdleTimeout: cfg.Stream.IdleTimeout,
		MaxClients:  cfg.Stream.MaxClients,
		Metrics:     metrics,
		Indicator:   ind,
	}

	if cfg.Stats.Schedule != "" {
		c, err := startStatsReporter(cfg.Stats.Schedule, frames, stream, ind)
		if err != nil {
			slog.Error("Failed to start stats reporter", "error", err)
			return 1
		}
		defer c.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: setupRouter(cfg.Stream.Path, stream),
	}

	cam := camera.New(cfg.Camera)
	camDone := make(chan error, 1)
	go func() {
		camDone <- cam.Run(ctx, &meteredPublisher{frames: frames, metrics: metrics})
	}()

	srvDone := make(chan error, 1)
	go func() {
		slog.Info("Streaming", "addr", srv.Addr, "path", cfg.Stream.Path)
		srvDone <- srv.ListenAndServe()
	}()

	exitCode := 0
	camStopped := false
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		frames.Close(nil)
	case err := <-camDone:
		camStopped = true
		if err != nil {
			slog.Error("Camera failed, shutting down", "error", err)
			exitCode = 1
		} else {
			slog.Info("Camera stopped, shutting down")
		}
		// Clients see the producer failure as the end of their stream.
		frames.Close(err)
	case err := <-srvDone:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			exitCode = 1
		}
		frames.Close(nil)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Stream.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
		exitCode = 1
	}

	if !camStopped {
		select {
		case err := <-camDone:
			if err != nil {
				slog.Warn("Camera stopped with error", "error", err)
			}
		case <-shutdownCtx.Done():
			slog.Warn("Camera did not stop in time")
		}
	}

	slog.Info("Shutdown complete")
	return exitCode
}

func setupRouter(path string, stream *handlers.StreamHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET(path, stream.Stream)
	router.GET("/healthz", func(c *gin.Context) {
		if stream.Frames.Closed() {
			c.String(http.StatusServiceUnavailable, "closed")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	return router
}

func openIndicator(cfg config.Indicator) *indicator.Indicator {
	if cfg.Line < 0 {
		return indicator.Nop()
	}
	ind, err := indicator.Open(cfg.Chip, cfg.Line)
	if err != nil {
		slog.Warn("Viewer indicator disabled", "error", err)
		return indicator.Nop()
	}
	return ind
}
