//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/blackjack/webcam"
	"github.com/wachiwi/picam-stream/pkg/config"
)

// formatMJPG is the V4L2 fourcc for Motion-JPEG.
var formatMJPG = webcam.PixelFormat(uint32('M') | uint32('J')<<8 | uint32('P')<<16 | uint32('G')<<24)

const (
	v4l2FrameTimeout = 5 // seconds
	v4l2MaxTimeouts  = 3
)

// v4l2Source reads MJPEG frames straight from a USB webcam.
type v4l2Source struct {
	ctx context.Context
	cam *webcam.Webcam
}

func openV4L2(ctx context.Context, cfg config.Camera) (frameSource, error) {
	if _, err := os.Stat(cfg.Device); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, cfg.Device, err)
	}
	cam, err := webcam.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}

	if _, ok := cam.GetSupportedFormats()[formatMJPG]; !ok {
		cam.Close()
		return nil, fmt.Errorf("%w: %s does not support MJPEG", ErrUnavailable, cfg.Device)
	}
	_, w, h, err := cam.SetImageFormat(formatMJPG, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to set image format: %w", err)
	}
	if int(w) != cfg.Width || int(h) != cfg.Height {
		slog.Warn("Webcam picked a different resolution", "requested", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height), "actual", fmt.Sprintf("%dx%d", w, h))
	}
	if err := cam.SetBufferCount(2); err != nil {
		slog.Debug("Failed to set buffer count", "error", err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to start streaming: %w", err)
	}
	slog.Info("Opened V4L2 webcam", "device", cfg.Device, "width", w, "height", h)
	return &v4l2Source{ctx: ctx, cam: cam}, nil
}

func (s *v4l2Source) Next() ([]byte, error) {
	timeouts := 0
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		err := s.cam.WaitForFrame(v4l2FrameTimeout)
		var timeout *webcam.Timeout
		switch {
		case errors.As(err, &timeout):
			timeouts++
			if timeouts >= v4l2MaxTimeouts {
				return nil, fmt.Errorf("no frame from webcam after %d timeouts", timeouts)
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to wait for frame: %w", err)
		}

		frame, err := s.cam.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		if len(frame) == 0 {
			continue
		}
		// The driver reuses its mmap'ed buffer for the next frame.
		return append([]byte(nil), frame...), nil
	}
}

func (s *v4l2Source) Close() error {
	if err := s.cam.StopStreaming(); err != nil {
		slog.Debug("Failed to stop streaming", "error", err)
	}
	return s.cam.Close()
}
