package camera

import (
	"strconv"
	"strings"

	"github.com/wachiwi/picam-stream/pkg/config"
)

// Sensor subdevice of the Camera Module 3, where wide dynamic range is
// switched on.
const hdrSubdevice = "/dev/v4l-subdev0"

// rpicamArgs builds the rpicam-vid/libcamera-vid command line. With the
// hardware encoder the process emits MJPEG, otherwise raw I420 frames that are
// encoded in process.
func rpicamArgs(cfg config.Camera) ([]string, outputFormat) {
	args := []string{
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
		"--framerate", strconv.Itoa(cfg.FPS),
		"--timeout", "0", // Run indefinitely
		"--nopreview",
		"--output", "-", // Output to stdout
		// Module 3 specific optimizations
		"--awb", "auto",
		"--metering", "average",
	}
	if cfg.AutoFocus {
		args = append(args, "--autofocus-mode", "continuous")
	}
	if cfg.HFlip {
		args = append(args, "--hflip")
	}
	if cfg.VFlip {
		args = append(args, "--vflip")
	}

	if !cfg.HWEncode {
		return append(args, "--codec", "yuv420"), formatI420
	}
	return append(args,
		"--codec", "mjpeg",
		"--quality", strconv.Itoa(cfg.Quality),
		"--bitrate", strconv.Itoa(Bitrate(cfg)),
	), formatMJPEG
}

// hdrArgs are the v4l2-ctl arguments enabling wide dynamic range.
func hdrArgs() []string {
	return []string{"--set-ctrl", "wide_dynamic_range=1", "-d", hdrSubdevice}
}

// ffmpegArgs captures the default macOS camera through AVFoundation.
// Flips are done with ffmpeg filters since the device cannot do them.
func ffmpegArgs(cfg config.Camera) ([]string, outputFormat) {
	args := []string{
		"-f", "avfoundation",
		"-framerate", strconv.Itoa(cfg.FPS),
		"-video_size", strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height),
		"-i", "0", // Device 0 = default camera
	}

	var filters []string
	if cfg.HFlip {
		filters = append(filters, "hflip")
	}
	if cfg.VFlip {
		filters = append(filters, "vflip")
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	return append(args,
		"-f", "mjpeg", // MJPEG output stream
		"-q:v", strconv.Itoa(ffmpegQuality(cfg.Quality)),
		"-hide_banner",
		"-loglevel", "error", // Only show errors
		"-",
	), formatMJPEG
}

// ffmpegQuality maps JPEG quality 1-100 onto ffmpeg's -q:v scale, where 2 is
// best and 31 worst.
func ffmpegQuality(q int) int {
	return 31 - (q-1)*29/99
}
