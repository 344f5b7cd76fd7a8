package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/wachiwi/picam-stream/pkg/mjpeg"
)

// outputFormat is what the encoder process writes to stdout.
type outputFormat int

const (
	// formatMJPEG is a concatenation of JPEG images (hardware encoder).
	formatMJPEG outputFormat = iota
	// formatI420 is raw planar YUV 4:2:0, encoded to JPEG here.
	formatI420
)

// processSource runs an encoder process and reads frames from its stdout.
type processSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	next   func() ([]byte, error)

	waitOnce sync.Once
	waitErr  error
}

// startProcess launches name with args. The process is killed when ctx is
// done or Close is called.
func startProcess(ctx context.Context, name string, args []string, format outputFormat, shape frameShape) (*processSource, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	slog.Info("Started camera streaming process", "command", name, "pid", cmd.Process.Pid)

	p := &processSource{cmd: cmd, stdout: stdout, stderr: stderr}
	switch format {
	case formatI420:
		p.next = i420Frames(stdout, shape)
	default:
		p.next = mjpeg.NewReader(stdout).Next
	}
	return p, nil
}

// Next returns the next frame. When the output ends the process exit status
// and the tail of its stderr are folded into the error.
func (p *processSource) Next() ([]byte, error) {
	frame, err := p.next()
	if err == nil {
		return frame, nil
	}
	waitErr := p.wait()
	msg := strings.TrimSpace(p.stderr.String())
	switch {
	case waitErr != nil && msg != "":
		return nil, fmt.Errorf("%s exited: %w, stderr: %s", p.cmd.Path, waitErr, msg)
	case waitErr != nil:
		return nil, fmt.Errorf("%s exited: %w", p.cmd.Path, waitErr)
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s closed its output", p.cmd.Path)
	default:
		return nil, fmt.Errorf("failed to read from %s: %w", p.cmd.Path, err)
	}
}

// Close stops the process.
func (p *processSource) Close() error {
	if p.cmd.ProcessState == nil {
		p.cmd.Process.Kill()
	}
	p.wait()
	return nil
}

func (p *processSource) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.waitErr != nil {
			slog.Warn("Camera streaming process exited", "error", p.waitErr)
		} else {
			slog.Info("Camera streaming process exited cleanly")
		}
	})
	return p.waitErr
}

// frameShape is what the raw reader needs to know about a frame.
type frameShape struct {
	Width, Height, Quality int
}

// i420Frames reads fixed-size I420 images from r and encodes each as JPEG.
// Planes are expected tightly packed (Y: w*h, U and V: w/2*h/2).
func i420Frames(r io.Reader, shape frameShape) func() ([]byte, error) {
	w, h := shape.Width, shape.Height
	ySize := w * h
	cSize := (w / 2) * (h / 2)
	raw := make([]byte, ySize+2*cSize)
	var buf bytes.Buffer

	return func() ([]byte, error) {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		img := &image.YCbCr{
			Y:              raw[:ySize],
			Cb:             raw[ySize : ySize+cSize],
			Cr:             raw[ySize+cSize:],
			YStride:        w,
			CStride:        w / 2,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, w, h),
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: shape.Quality}); err != nil {
			return nil, fmt.Errorf("failed to encode JPEG: %w", err)
		}
		return bytes.Clone(buf.Bytes()), nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
