//go:build !darwin && !(linux && arm64)

package camera

import (
	"context"
	"fmt"

	"github.com/wachiwi/picam-stream/pkg/config"
)

const platformSource = ""

// openPlatform is a stub for platforms without a supported camera.
func openPlatform(ctx context.Context, cfg config.Camera) (frameSource, error) {
	return nil, fmt.Errorf("%w: raspberry pi camera not available on this platform", ErrUnavailable)
}
