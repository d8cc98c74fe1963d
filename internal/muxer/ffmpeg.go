package muxer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Muxer defines the interface for media muxing operations.
type Muxer interface {
	Available() bool
	Mux(ctx context.Context, videoURL, audioURL, outputPath string) error
}

// FFmpegMuxer implements Muxer using the ffmpeg command line tool. Inputs are
// remote stream URLs; tracks are stream-copied, never re-encoded.
type FFmpegMuxer struct {
	Path string
	// Timeout bounds one mux run. Zero means no ceiling beyond ctx.
	Timeout time.Duration
}

// NewFFmpegMuxer returns a new FFmpegMuxer.
// If path is empty, it looks for "ffmpeg" in PATH.
func NewFFmpegMuxer(path string, timeout time.Duration) *FFmpegMuxer {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegMuxer{Path: path, Timeout: timeout}
}

// Available checks if ffmpeg is executable.
func (f *FFmpegMuxer) Available() bool {
	_, err := exec.LookPath(f.Path)
	return err == nil
}

// Mux copies the video and audio streams at the given URLs into a single
// mp4 at outputPath. Fails on non-zero exit or when the timeout elapses.
func (f *FFmpegMuxer) Mux(ctx context.Context, videoURL, audioURL, outputPath string) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	// ffmpeg -i video_url -i audio_url -c:v copy -c:a copy -y output.mp4
	args := []string{
		"-i", videoURL,
		"-i", audioURL,
		"-c:v", "copy",
		"-c:a", "copy",
		"-y", outputPath,
	}

	cmd := exec.CommandContext(ctx, f.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg mux timed out: %w", ctxErr)
		}
		return fmt.Errorf("ffmpeg mux failed: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
