//go:build darwin

package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/wachiwi/picam-stream/pkg/config"
)

const platformSource = "ffmpeg"

// openPlatform captures from the default macOS webcam using ffmpeg.
// This allows local development with actual camera input.
func openPlatform(ctx context.Context, cfg config.Camera) (frameSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found", ErrUnavailable)
	}
	if cfg.HDR || cfg.AutoFocus {
		slog.Debug("HDR and autofocus are not configurable through ffmpeg, ignoring")
	}

	args, format := ffmpegArgs(cfg)
	return startProcess(ctx, "ffmpeg", args, format, frameShape{Width: cfg.Width, Height: cfg.Height, Quality: cfg.Quality})
}
