package mjpeg

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize caps how much data is buffered while looking for the end of
// an image.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when no end-of-image marker is found within
// MaxFrameSize bytes.
var ErrFrameTooLarge = errors.New("mjpeg: frame exceeds maximum size")

// JPEG markers
var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Reader extracts individual JPEG images from a raw MJPEG byte stream such as
// the stdout of rpicam-vid or ffmpeg.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	s.Split(splitJPEG)
	return &Reader{scanner: s}
}

// Next returns the next complete JPEG image. The returned slice is owned by
// the caller. It returns io.EOF when the stream ends cleanly.
func (r *Reader) Next() ([]byte, error) {
	if !r.scanner.Scan() {
		err := r.scanner.Err()
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	token := r.scanner.Bytes()
	frame := make([]byte, len(token))
	copy(frame, token)
	return frame, nil
}

// splitJPEG is a bufio.SplitFunc yielding SOI..EOI spans. Bytes before an
// SOI are discarded.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF, it may be the first half of an SOI.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	if end := bytes.Index(data[start+len(soi):], eoi); end >= 0 {
		stop := start + len(soi) + end + len(eoi)
		return stop, data[start:stop], nil
	}

	if atEOF {
		// Truncated image at the end of the stream.
		return len(data), nil, nil
	}
	// Drop garbage before the SOI and ask for more.
	return start, nil, nil
}
