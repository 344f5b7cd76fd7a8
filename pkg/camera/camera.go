package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wachiwi/picam-stream/pkg/broadcast"
	"github.com/wachiwi/picam-stream/pkg/config"
)

// ErrUnavailable means the requested capture backend does not exist on this
// machine. Starting is not retried.
var ErrUnavailable = errors.New("camera not available")

// Publisher receives every encoded frame. *broadcast.Broadcaster satisfies it.
type Publisher interface {
	Publish(frame []byte) error
}

// frameSource yields complete JPEG images until it fails or is closed.
type frameSource interface {
	Next() ([]byte, error)
	Close() error
}

// Camera captures JPEG frames from the configured backend and pushes them to
// a Publisher.
type Camera struct {
	cfg config.Camera

	// retry is the delay schedule between start attempts.
	retry backoff.BackOff
	// open is swapped out in tests.
	open func(ctx context.Context, cfg config.Camera) (frameSource, error)
}

// New creates a camera with the given configuration.
func New(cfg config.Camera) *Camera {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second

	return &Camera{
		cfg:   cfg,
		retry: b,
		open:  openSource,
	}
}

// Bitrate is the encoder bitrate in bits per second, scaled from a 1080p30
// baseline of 30 MiB/s by resolution and the quality factor.
func Bitrate(cfg config.Camera) int {
	resQF := float64(cfg.Width*cfg.Height) / float64(1920*1080)
	return int(30 * cfg.QualityFactor * resQF * 1024 * 1024)
}

// Run starts the capture backend and publishes frames until ctx is cancelled
// (returns nil), the publisher is closed (returns nil) or the backend fails
// (returns the error). Only one Run may be active per Publisher.
func (c *Camera) Run(ctx context.Context, pub Publisher) error {
	src, first, err := c.start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer src.Close()

	slog.Info("Camera started", "source", c.cfg.Source, "width", c.cfg.Width, "height", c.cfg.Height, "fps", c.cfg.FPS)

	frame := first
	for {
		if err := pub.Publish(frame); err != nil {
			switch {
			case errors.Is(err, broadcast.ErrEmptyFrame):
				slog.Warn("Dropping empty frame from encoder")
			case errors.Is(err, broadcast.ErrClosed):
				slog.Info("Publisher closed, stopping camera")
				return nil
			default:
				return fmt.Errorf("failed to publish frame: %w", err)
			}
		}

		frame, err = src.Next()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Camera stopped")
				return nil
			}
			return fmt.Errorf("camera stopped delivering frames: %w", err)
		}
	}
}

// start opens the source and reads one frame from it, retrying with
// backoff. A source only counts as started once it produced a frame.
func (c *Camera) start(ctx context.Context) (frameSource, []byte, error) {
	type started struct {
		src   frameSource
		first []byte
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (started, error) {
		attempt++
		src, err := c.open(ctx, c.cfg)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return started{}, backoff.Permanent(err)
			}
			return started{}, err
		}
		first, err := src.Next()
		if err != nil {
			src.Close()
			return started{}, fmt.Errorf("no frame from camera: %w", err)
		}
		return started{src: src, first: first}, nil
	},
		backoff.WithBackOff(c.retry),
		backoff.WithMaxTries(uint(c.cfg.StartAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Camera start failed, retrying", "attempt", attempt, "max_attempts", c.cfg.StartAttempts, "delay", next, "error", err)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start camera after %d attempt(s): %w", attempt, err)
	}
	return res.src, res.first, nil
}

// openSource picks the backend for cfg.Source.
func openSource(ctx context.Context, cfg config.Camera) (frameSource, error) {
	switch cfg.Source {
	case "testpattern":
		return newTestPattern(ctx, cfg), nil
	case "v4l2":
		return openV4L2(ctx, cfg)
	case "auto":
		src, err := openPlatform(ctx, cfg)
		if errors.Is(err, ErrUnavailable) {
			slog.Warn("No camera found, streaming test pattern", "error", err)
			return newTestPattern(ctx, cfg), nil
		}
		return src, err
	default:
		if cfg.Source != platformSource {
			return nil, fmt.Errorf("%w: source %q not supported on this platform", ErrUnavailable, cfg.Source)
		}
		return openPlatform(ctx, cfg)
	}
}
