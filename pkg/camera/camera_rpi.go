//go:build linux && arm64

package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/wachiwi/picam-stream/pkg/config"
)

const platformSource = "rpicam"

// openPlatform starts rpicam-vid (or libcamera-vid on older OS images) for
// the Raspberry Pi camera.
func openPlatform(ctx context.Context, cfg config.Camera) (frameSource, error) {
	// Determine command name (rpicam-vid for newer OS, libcamera-vid for older)
	cmdName := "rpicam-vid"
	if _, err := exec.LookPath(cmdName); err != nil {
		cmdName = "libcamera-vid"
		if _, err := exec.LookPath(cmdName); err != nil {
			return nil, fmt.Errorf("%w: neither rpicam-vid nor libcamera-vid found", ErrUnavailable)
		}
	}

	if cfg.HDR {
		enableHDR(ctx)
	}

	args, format := rpicamArgs(cfg)
	return startProcess(ctx, cmdName, args, format, frameShape{Width: cfg.Width, Height: cfg.Height, Quality: cfg.Quality})
}

// enableHDR switches the sensor to wide dynamic range. Sensors without the
// control keep streaming in normal mode, so failure is only logged.
func enableHDR(ctx context.Context) {
	out, err := exec.CommandContext(ctx, "v4l2-ctl", hdrArgs()...).CombinedOutput()
	if err != nil {
		slog.Warn("Failed to enable HDR", "error", err, "output", string(out))
		return
	}
	slog.Info("HDR enabled", "device", hdrSubdevice)
}
