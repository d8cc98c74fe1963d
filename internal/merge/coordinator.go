package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/famomatic/streamd/internal/extractor"
	"github.com/famomatic/streamd/internal/formats"
	"github.com/famomatic/streamd/internal/muxer"
	"github.com/famomatic/streamd/internal/types"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^\w\p{L}\p{N}\-_\. ]`)
	whitespaceRuns      = regexp.MustCompile(`\s+`)
)

// Artifact is a produced merge output. The owner must call Close once the
// file has been fully handed off; Close removes it from disk.
type Artifact struct {
	// Path is the on-disk location of the merged file.
	Path string
	// Filename is the derived download filename for the response.
	Filename string
}

// Close removes the artifact file. Safe to call on a missing file.
func (a *Artifact) Close() error {
	if a == nil || a.Path == "" {
		return nil
	}
	err := os.Remove(a.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Coordinator drives an external download-and-mux run and manages the
// resulting temporary artifact's lifetime.
type Coordinator struct {
	engine     extractor.Engine
	muxer      muxer.Muxer
	scratchDir string
	timeout    time.Duration
}

// NewCoordinator returns a coordinator writing artifacts under scratchDir.
func NewCoordinator(engine extractor.Engine, mux muxer.Muxer, scratchDir string, timeout time.Duration) *Coordinator {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Coordinator{
		engine:     engine,
		muxer:      mux,
		scratchDir: scratchDir,
		timeout:    timeout,
	}
}

// Merge produces a merged mp4 for the already-resolved info, preferring the
// engine's download mode and falling back to stream-copying the best
// video-only and audio-only URLs through the muxer. The caller owns the
// returned artifact and must Close it after transmission.
func (c *Coordinator) Merge(ctx context.Context, info *types.VideoInfo, proxyURL string) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := slogctx.FromCtx(ctx)

	if err := c.engine.Download(ctx, info.ID, proxyURL, c.scratchDir); err != nil {
		log.Warn("engine download failed, trying stream-copy mux", slog.Any("error", err))
		if muxErr := c.muxFallback(ctx, info); muxErr != nil {
			return nil, fmt.Errorf("merge failed: %w", errors.Join(err, muxErr))
		}
	}

	path, err := c.locateArtifact(info.ID)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Path:     path,
		Filename: downloadFilename(info.ID, info.Title),
	}, nil
}

func (c *Coordinator) muxFallback(ctx context.Context, info *types.VideoInfo) error {
	video, okV := formats.BestVideo(info.Formats)
	audio, okA := formats.BestAudio(info.Formats)
	if !okV || !okA {
		return types.ErrNoSuitableStreams
	}
	out := filepath.Join(c.scratchDir, fmt.Sprintf("%s_%s.mp4", info.ID, safeTitle(info.Title)))
	if err := c.muxer.Mux(ctx, video.URL, audio.URL, out); err != nil {
		_ = os.Remove(out)
		return err
	}
	return nil
}

// locateArtifact finds the produced file by the id-keyed name pattern,
// picking the most recently modified match when stale runs left others.
func (c *Coordinator) locateArtifact(videoID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(c.scratchDir, videoID+"_*.mp4"))
	if err != nil {
		return "", err
	}
	var newest string
	var newestMod time.Time
	for _, m := range matches {
		fi, statErr := os.Stat(m)
		if statErr != nil {
			continue
		}
		if newest == "" || fi.ModTime().After(newestMod) {
			newest = m
			newestMod = fi.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("merge produced no artifact for %s", videoID)
	}
	return newest, nil
}

func downloadFilename(videoID, title string) string {
	t := safeTitle(title)
	if t == "" {
		t = videoID
	}
	return fmt.Sprintf("%s_%s.mp4", videoID, t)
}

// safeTitle strips filesystem-hostile characters and truncates to keep
// derived filenames manageable. Truncation counts runes so a multi-byte
// character is never split.
func safeTitle(title string) string {
	s := unsafeFilenameChars.ReplaceAllString(title, "")
	s = whitespaceRuns.ReplaceAllString(s, "_")
	if runes := []rune(s); len(runes) > 50 {
		s = string(runes[:50])
	}
	return s
}
