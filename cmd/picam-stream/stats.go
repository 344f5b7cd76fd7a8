package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/wachiwi/picam-stream/cmd/picam-stream/handlers"
	"github.com/wachiwi/picam-stream/pkg/broadcast"
	"github.com/wachiwi/picam-stream/pkg/indicator"
	"github.com/wachiwi/picam-stream/pkg/logger"
	"github.com/wachiwi/picam-stream/pkg/telemetry"
)

// startStatsReporter logs a summary of the stream on schedule.
func startStatsReporter(schedule string, frames *broadcast.Broadcaster, stream *handlers.StreamHandler, ind *indicator.Indicator) (*cron.Cron, error) {
	cronLogger := &logger.CronLogger{Logger: slog.Default()}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)

	var last uint64
	_, err := c.AddFunc(schedule, func() {
		s := frames.Stats()
		slog.Info("Stream stats",
			"version", s.Version,
			"new_frames", s.Version-last,
			"rejected", s.Rejected,
			"waiting", s.Waiting,
			"clients", stream.Active(),
			"viewers", ind.Viewers(),
		)
		last = s.Version
	})
	if err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

// meteredPublisher counts what the camera hands to the broadcaster.
type meteredPublisher struct {
	frames  *broadcast.Broadcaster
	metrics *telemetry.Metrics
}

func (p *meteredPublisher) Publish(frame []byte) error {
	err := p.frames.Publish(frame)
	switch {
	case err == nil:
		p.metrics.FramesPublished.Add(context.Background(), 1)
	case errors.Is(err, broadcast.ErrEmptyFrame):
		p.metrics.FramesRejected.Add(context.Background(), 1)
	}
	return err
}
