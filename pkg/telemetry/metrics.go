package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is used for the meter and tracer of this module.
const InstrumentationName = "github.com/wachiwi/picam-stream"

// Metrics groups the stream instruments.
type Metrics struct {
	FramesPublished metric.Int64Counter
	FramesRejected  metric.Int64Counter
	FramesDelivered metric.Int64Counter
	FramesDropped   metric.Int64Counter
	BytesSent       metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.FramesPublished, "mjpeg.frames.published", "Frames accepted from the encoder", "{frame}"},
		{&m.FramesRejected, "mjpeg.frames.rejected", "Empty frames rejected from the encoder", "{frame}"},
		{&m.FramesDelivered, "mjpeg.frames.delivered", "Frames written to clients", "{frame}"},
		{&m.FramesDropped, "mjpeg.frames.dropped", "Frames a client skipped because a newer one replaced them", "{frame}"},
		{&m.BytesSent, "mjpeg.bytes.sent", "Bytes written to clients", "By"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("mjpeg.sessions.active",
		metric.WithDescription("Clients currently streaming"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}
	return &m, nil
}

// SessionStarted and SessionEnded keep the active session count.
func (m *Metrics) SessionStarted(ctx context.Context) { m.ActiveSessions.Add(ctx, 1) }
func (m *Metrics) SessionEnded(ctx context.Context)   { m.ActiveSessions.Add(ctx, -1) }

// FrameDelivered records one frame written to a client.
func (m *Metrics) FrameDelivered(ctx context.Context, size int, skipped uint64) {
	m.FramesDelivered.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(size))
	if skipped > 0 {
		m.FramesDropped.Add(ctx, int64(skipped))
	}
}
