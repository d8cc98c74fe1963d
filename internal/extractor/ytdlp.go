package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const watchURLPrefix = "https://www.youtube.com/watch?v="

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// YtDlp drives the yt-dlp binary as the extraction engine.
type YtDlp struct {
	Path string
}

// NewYtDlp returns an engine using the binary at path.
// If path is empty, it looks for "yt-dlp" in PATH.
func NewYtDlp(path string) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlp{Path: path}
}

// Available checks if the engine binary is executable.
func (y *YtDlp) Available() bool {
	_, err := exec.LookPath(y.Path)
	return err == nil
}

// ExtractInfo runs the engine in metadata-only mode and decodes its JSON output.
func (y *YtDlp) ExtractInfo(ctx context.Context, videoID, proxyURL string) (*RawInfo, error) {
	args := []string{
		"--dump-single-json",
		"--no-warnings",
		"--no-playlist",
		"--no-check-certificates",
		"--skip-download",
		"--extractor-retries", "3",
		"--socket-timeout", "30",
		"--user-agent", defaultUserAgent,
	}
	if proxyURL != "" {
		args = append(args, "--proxy", proxyURL)
	}
	args = append(args, watchURLPrefix+videoID)

	cmd := exec.CommandContext(ctx, y.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("extractor failed: %w: %s", err, firstLine(stderr.String()))
	}

	var info RawInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("extractor output: %w", err)
	}
	return &info, nil
}

// Download runs the engine in download mode, merging best video and audio
// into an mp4 under dir.
func (y *YtDlp) Download(ctx context.Context, videoID, proxyURL, dir string) error {
	outTemplate := filepath.Join(dir, videoID+"_%(title)s.%(ext)s")
	args := []string{
		"--quiet",
		"--no-playlist",
		"--no-check-certificates",
		"--retries", "5",
		"-f", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best",
		"--merge-output-format", "mp4",
		"-o", outTemplate,
	}
	if proxyURL != "" {
		args = append(args, "--proxy", proxyURL)
	}
	args = append(args, watchURLPrefix+videoID)

	cmd := exec.CommandContext(ctx, y.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("extractor download failed: %w: %s", err, firstLine(stderr.String()))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
