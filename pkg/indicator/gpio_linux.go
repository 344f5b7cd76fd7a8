//go:build linux

package indicator

import (
	"fmt"
	"log/slog"

	"github.com/warthog618/go-gpiocdev"
)

// Open requests offset on chip as an output, initially off.
func Open(chip string, offset int) (*Indicator, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("picam-stream"))
	if err != nil {
		return nil, fmt.Errorf("failed to request line %d on %s: %w", offset, chip, err)
	}
	slog.Info("Viewer indicator ready", "chip", chip, "line", offset)
	return New(line.SetValue, line.Close), nil
}
