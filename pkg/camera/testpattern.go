package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/wachiwi/picam-stream/pkg/config"
)

// testPattern generates a moving gradient at the configured frame rate. It
// stands in for the camera during development and in tests.
type testPattern struct {
	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
	width  int
	height int
	qual   int
	n      int
}

func newTestPattern(ctx context.Context, cfg config.Camera) *testPattern {
	ctx, cancel := context.WithCancel(ctx)
	return &testPattern{
		ctx:    ctx,
		cancel: cancel,
		ticker: time.NewTicker(time.Second / time.Duration(cfg.FPS)),
		width:  cfg.Width,
		height: cfg.Height,
		qual:   cfg.Quality,
	}
}

// Next waits for the next tick and renders a frame.
func (p *testPattern) Next() ([]byte, error) {
	select {
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	case <-p.ticker.C:
	}
	p.n++
	return p.render()
}

func (p *testPattern) Close() error {
	p.ticker.Stop()
	p.cancel()
	return nil
}

func (p *testPattern) render() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))

	// The red channel cycles per frame so consecutive frames differ.
	shade := byte(p.n * 4 % 256)

	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			offset := y*img.Stride + x*4
			img.Pix[offset] = shade
			img.Pix[offset+1] = byte((x * 255) / p.width)
			img.Pix[offset+2] = byte((y * 255) / p.height)
			img.Pix[offset+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.qual}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
