//go:build !linux

package camera

import (
	"context"
	"fmt"

	"github.com/wachiwi/picam-stream/pkg/config"
)

func openV4L2(ctx context.Context, cfg config.Camera) (frameSource, error) {
	return nil, fmt.Errorf("%w: v4l2 capture needs linux", ErrUnavailable)
}
