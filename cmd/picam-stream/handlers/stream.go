package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/picam-stream/pkg/broadcast"
	"github.com/wachiwi/picam-stream/pkg/indicator"
	"github.com/wachiwi/picam-stream/pkg/mjpeg"
	"github.com/wachiwi/picam-stream/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StreamHandler serves the camera as an MJPEG stream, one session per request.
type StreamHandler struct {
	Frames      *broadcast.Broadcaster
	StartPolicy mjpeg.StartPolicy
	IdleTimeout time.Duration
	MaxClients  int // 0 = unlimited

	// Optional
	Metrics   *telemetry.Metrics
	Indicator *indicator.Indicator

	active atomic.Int64
}

// Active returns the number of clients currently streaming.
func (h *StreamHandler) Active() int {
	return int(h.active.Load())
}

func (h *StreamHandler) Stream(c *gin.Context) {
	if h.Frames.Closed() {
		c.String(http.StatusServiceUnavailable, "Camera not available")
		return
	}

	n := h.active.Add(1)
	defer h.active.Add(-1)
	if h.MaxClients > 0 && n > int64(h.MaxClients) {
		slog.Warn("Rejecting stream client, limit reached", "client", c.ClientIP(), "max_clients", h.MaxClients)
		c.String(http.StatusServiceUnavailable, "Too many clients")
		return
	}

	c.Header("Content-Type", mjpeg.ContentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	opts := []mjpeg.SessionOption{
		mjpeg.WithStartPolicy(h.StartPolicy),
		mjpeg.WithIdleTimeout(h.IdleTimeout),
	}
	if h.Metrics != nil {
		opts = append(opts, mjpeg.WithOnFrame(func(f broadcast.Frame, skipped uint64) {
			h.Metrics.FrameDelivered(ctx, len(f.Data), skipped)
		}))
	}
	session := mjpeg.NewSession(h.Frames, opts...)

	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "mjpeg.stream",
		trace.WithAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("client.address", c.ClientIP()),
		),
	)
	defer span.End()

	if h.Metrics != nil {
		h.Metrics.SessionStarted(ctx)
		defer h.Metrics.SessionEnded(ctx)
	}
	if h.Indicator != nil {
		defer h.Indicator.Watch()()
	}

	slog.Info("Stream client connected", "session", session.ID, "client", c.ClientIP(), "clients", n)
	started := time.Now()

	err := session.Run(ctx, c.Writer)

	stats := session.Stats()
	span.SetAttributes(
		attribute.Int64("mjpeg.frames.delivered", int64(stats.Delivered)),
		attribute.Int64("mjpeg.frames.dropped", int64(stats.Dropped)),
	)
	attrs := []any{
		"session", session.ID,
		"duration", time.Since(started).Round(time.Millisecond),
		"delivered", stats.Delivered,
		"dropped", stats.Dropped,
		"bytes", stats.BytesWritten,
	}

	switch {
	case err == nil && ctx.Err() == nil:
		slog.Info("Stream ended", attrs...)
	case err == nil, errors.Is(err, mjpeg.ErrClientGone):
		slog.Info("Stream client disconnected", attrs...)
	case errors.Is(err, mjpeg.ErrIdleTimeout):
		span.SetStatus(codes.Error, "idle timeout")
		slog.Warn("Stream idle, closing", attrs...)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "producer failed")
		slog.Error("Stream aborted", append(attrs, "error", err)...)
	}
}
