package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/famomatic/streamd/internal/cache"
	"github.com/famomatic/streamd/internal/extractor"
	"github.com/famomatic/streamd/internal/types"
)

// ProxyPool is the egress-path store the orchestrator rotates through.
type ProxyPool interface {
	Refresh(ctx context.Context, force bool) error
	Select() (addr string, ok bool)
	MarkFailed(addr string)
}

// excluded at normalization time: thumbnail-sprite container.
const spriteContainer = "mhtml"

// Options configure the orchestrator's retry loop.
type Options struct {
	// MaxRetries is the attempt ceiling per resolution.
	MaxRetries int
	// AttemptTimeout bounds one extractor invocation.
	AttemptTimeout time.Duration
	// Backoff runs between failed attempts. Defaults to no wait.
	Backoff Backoff
	// Workers bounds concurrently offloaded extractor invocations.
	Workers int
}

// Orchestrator serves resolutions from the cache or populates it through a
// bounded proxy-rotating retry loop against the external engine.
type Orchestrator struct {
	cache  *cache.ResolutionCache
	pool   ProxyPool
	engine extractor.Engine
	opts   Options

	sem   *semaphore.Weighted
	group singleflight.Group
}

// New wires the orchestrator with its injected stores and engine.
func New(c *cache.ResolutionCache, p ProxyPool, engine extractor.Engine, opts Options) *Orchestrator {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{}
	}
	return &Orchestrator{
		cache:  c,
		pool:   p,
		engine: engine,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Resolve returns the resolved info for videoID, serving from the cache when
// possible. Concurrent calls for the same id share one extraction run.
func (o *Orchestrator) Resolve(ctx context.Context, videoID string) (*types.VideoInfo, error) {
	o.cache.Sweep()
	if info, ok := o.cache.Get(videoID); ok {
		slogctx.FromCtx(ctx).Debug("cache hit", slog.String("video_id", videoID))
		return info, nil
	}

	// The flight is shared by every waiter, so it must not die with the
	// caller that happened to start it. It runs on a cancellation-detached
	// context (values kept, attempt timeouts still apply) and each waiter
	// observes its own ctx while waiting.
	ch := o.group.DoChan(videoID, func() (any, error) {
		// A concurrent caller may have populated the entry while this
		// call was queued behind the flight.
		if info, ok := o.cache.Get(videoID); ok {
			return info, nil
		}
		return o.resolveMiss(context.WithoutCancel(ctx), videoID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.VideoInfo), nil
	}
}

func (o *Orchestrator) resolveMiss(ctx context.Context, videoID string) (*types.VideoInfo, error) {
	log := slogctx.FromCtx(ctx)

	if err := o.pool.Refresh(ctx, false); err != nil {
		// A stale or empty pool degrades to direct attempts; not fatal.
		log.Warn("proxy refresh failed", slog.Any("error", err))
	}

	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		addr, _ := o.pool.Select()

		raw, err := o.attempt(ctx, videoID, addr)
		if err == nil {
			info := Normalize(raw, videoID)
			o.cache.Put(videoID, info)
			log.Info("resolved",
				slog.String("video_id", videoID),
				slog.Int("attempt", attempt),
				slog.Int("formats", len(info.Formats)),
			)
			return info, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if isProxyError(err) && addr != "" {
			o.pool.MarkFailed(addr)
			log.Warn("proxy quarantined", slog.String("proxy", addr), slog.Any("error", err))
		} else {
			log.Warn("extraction attempt failed",
				slog.String("video_id", videoID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}

		if attempt < o.opts.MaxRetries {
			if waitErr := o.opts.Backoff.Wait(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
		}
	}
	return nil, &ExhaustedError{Attempts: o.opts.MaxRetries, LastErr: lastErr}
}

// attempt runs one bounded extractor invocation. The timeout covers queueing
// for a worker slot as well, so a saturated pool cannot stall callers past
// the ceiling. Cancelling the context kills the underlying engine process.
func (o *Orchestrator) attempt(ctx context.Context, videoID, proxyAddr string) (*extractor.RawInfo, error) {
	attemptCtx := ctx
	if o.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.opts.AttemptTimeout)
		defer cancel()
	}

	if err := o.sem.Acquire(attemptCtx, 1); err != nil {
		return nil, attemptErr(ctx, err)
	}
	defer o.sem.Release(1)

	raw, err := o.engine.ExtractInfo(attemptCtx, videoID, proxyAddr)
	if err != nil {
		return nil, attemptErr(ctx, err)
	}
	return raw, nil
}

// attemptErr maps an attempt-scoped deadline to ErrAttemptTimeout while
// letting caller-side cancellation through untouched.
func attemptErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return ErrAttemptTimeout
	}
	return err
}

// Normalize derives the public payload from raw engine output, dropping
// entries without a retrievable URL or using the thumbnail-sprite container.
func Normalize(raw *extractor.RawInfo, videoID string) *types.VideoInfo {
	out := make([]types.FormatInfo, 0, len(raw.Formats))
	for _, f := range raw.Formats {
		if f.URL == "" || f.Ext == spriteContainer {
			continue
		}
		out = append(out, types.FormatInfo{
			Itag:       f.FormatID,
			Ext:        f.Ext,
			Resolution: f.Resolution,
			FPS:        f.FPS,
			ACodec:     f.ACodec,
			VCodec:     f.VCodec,
			URL:        f.URL,
			Protocol:   f.Protocol,
			VBR:        f.VBR,
			ABR:        f.ABR,
			Filesize:   f.Filesize,
		})
	}
	return &types.VideoInfo{
		Title:       raw.Title,
		ID:          videoID,
		Duration:    raw.Duration,
		Thumbnail:   raw.Thumbnail,
		Description: raw.Description,
		Uploader:    raw.Uploader,
		Formats:     out,
		FormatCount: len(out),
	}
}
