package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/famomatic/streamd/internal/cache"
	"github.com/famomatic/streamd/internal/extractor"
	"github.com/famomatic/streamd/internal/types"
)

type scriptedEngine struct {
	calls atomic.Int32
	// errs are returned in order; a nil entry yields info.
	errs  []error
	info  *extractor.RawInfo
	block bool
}

func (e *scriptedEngine) ExtractInfo(ctx context.Context, videoID, proxyURL string) (*extractor.RawInfo, error) {
	n := int(e.calls.Add(1))
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(e.errs) && e.errs[n-1] != nil {
		return nil, e.errs[n-1]
	}
	return e.info, nil
}

func (e *scriptedEngine) Download(ctx context.Context, videoID, proxyURL, dir string) error {
	return errors.New("not implemented")
}

type fakePool struct {
	addrs  []string
	next   int
	failed []string
}

func (p *fakePool) Refresh(ctx context.Context, force bool) error { return nil }

func (p *fakePool) Select() (string, bool) {
	if p.next >= len(p.addrs) {
		return "", false
	}
	addr := p.addrs[p.next]
	p.next++
	return addr, true
}

func (p *fakePool) MarkFailed(addr string) { p.failed = append(p.failed, addr) }

func testCache() *cache.ResolutionCache {
	return cache.New(cache.Options{
		DefaultTTL:    30 * time.Minute,
		LongTTL:       4 * time.Hour,
		RichThreshold: 12,
	})
}

func rawInfoWithFormats(count int) *extractor.RawInfo {
	info := &extractor.RawInfo{ID: "vid", Title: "title"}
	for i := 0; i < count; i++ {
		info.Formats = append(info.Formats, extractor.RawFormat{
			FormatID: fmt.Sprintf("f%d", i),
			Ext:      "mp4",
			URL:      "https://example.com/v",
		})
	}
	return info
}

func newTestOrchestrator(engine extractor.Engine, pool ProxyPool, retries int) (*Orchestrator, *cache.ResolutionCache) {
	c := testCache()
	o := New(c, pool, engine, Options{
		MaxRetries:     retries,
		AttemptTimeout: time.Second,
		Backoff:        FixedBackoff{},
		Workers:        2,
	})
	return o, c
}

func TestResolve_SuccessCachesResult(t *testing.T) {
	engine := &scriptedEngine{info: rawInfoWithFormats(3)}
	o, c := newTestOrchestrator(engine, &fakePool{}, 5)

	info, err := o.Resolve(context.Background(), "vid")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(info.Formats) != 3 {
		t.Fatalf("formats = %d, want 3", len(info.Formats))
	}
	if cached, ok := c.Get("vid"); !ok || cached != info {
		t.Fatal("result not stored in cache")
	}
}

func TestResolve_CacheHitSkipsEngine(t *testing.T) {
	engine := &scriptedEngine{info: rawInfoWithFormats(3)}
	o, _ := newTestOrchestrator(engine, &fakePool{}, 5)

	first, err := o.Resolve(context.Background(), "vid")
	if err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	second, err := o.Resolve(context.Background(), "vid")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if first != second {
		t.Fatal("cache hit returned a different payload object")
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
}

func TestResolve_QuarantinesFailingProxiesThenSucceeds(t *testing.T) {
	proxyErr := errors.New("extractor failed: unable to open tunnel via proxy")
	engine := &scriptedEngine{
		errs: []error{proxyErr, proxyErr, proxyErr, proxyErr, nil},
		info: rawInfoWithFormats(15),
	}
	pool := &fakePool{addrs: []string{"http://p1:1", "http://p2:1", "http://p3:1", "http://p4:1", "http://p5:1"}}
	o, c := newTestOrchestrator(engine, pool, 5)

	info, err := o.Resolve(context.Background(), "vid")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := engine.calls.Load(); got != 5 {
		t.Fatalf("engine calls = %d, want 5", got)
	}
	if len(pool.failed) != 4 {
		t.Fatalf("quarantined = %v, want the 4 failing proxies", pool.failed)
	}
	for i, want := range []string{"http://p1:1", "http://p2:1", "http://p3:1", "http://p4:1"} {
		if pool.failed[i] != want {
			t.Fatalf("quarantined[%d] = %s, want %s", i, pool.failed[i], want)
		}
	}
	if _, ok := c.Get("vid"); !ok {
		t.Fatal("successful late attempt not cached")
	}
	if len(info.Formats) != 15 {
		t.Fatalf("formats = %d, want 15", len(info.Formats))
	}
}

func TestResolve_Exhaustion(t *testing.T) {
	upstreamErr := errors.New("extractor failed: video unavailable")
	engine := &scriptedEngine{errs: []error{upstreamErr, upstreamErr, upstreamErr}}
	o, _ := newTestOrchestrator(engine, &fakePool{}, 3)

	_, err := o.Resolve(context.Background(), "vid")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, upstreamErr) {
		t.Fatal("ExhaustedError does not carry the last attempt's error")
	}
	if got := engine.calls.Load(); got != 3 {
		t.Fatalf("engine calls = %d, want exactly maxRetries", got)
	}
}

func TestResolve_NoProxyStillCountsAttempt(t *testing.T) {
	genericErr := errors.New("extractor failed: some parse error")
	engine := &scriptedEngine{errs: []error{genericErr, genericErr}}
	pool := &fakePool{} // always empty: attempts go direct
	o, _ := newTestOrchestrator(engine, pool, 2)

	_, err := o.Resolve(context.Background(), "vid")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want ExhaustedError", err)
	}
	if got := engine.calls.Load(); got != 2 {
		t.Fatalf("engine calls = %d, want 2", got)
	}
	if len(pool.failed) != 0 {
		t.Fatalf("quarantined %v, want none without a selected proxy", pool.failed)
	}
}

func TestResolve_GenericErrorDoesNotQuarantine(t *testing.T) {
	genericErr := errors.New("extractor failed: requested format not available")
	engine := &scriptedEngine{errs: []error{genericErr, nil}, info: rawInfoWithFormats(1)}
	pool := &fakePool{addrs: []string{"http://p1:1", "http://p2:1"}}
	o, _ := newTestOrchestrator(engine, pool, 5)

	if _, err := o.Resolve(context.Background(), "vid"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(pool.failed) != 0 {
		t.Fatalf("quarantined %v for a non-proxy error", pool.failed)
	}
}

func TestResolve_AttemptTimeout(t *testing.T) {
	engine := &scriptedEngine{block: true}
	c := testCache()
	o := New(c, &fakePool{}, engine, Options{
		MaxRetries:     2,
		AttemptTimeout: 20 * time.Millisecond,
		Backoff:        FixedBackoff{},
		Workers:        2,
	})

	_, err := o.Resolve(context.Background(), "vid")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want ExhaustedError", err)
	}
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Fatalf("last error = %v, want ErrAttemptTimeout", exhausted.LastErr)
	}
	if got := engine.calls.Load(); got != 2 {
		t.Fatalf("engine calls = %d, want 2 (timed-out attempts are retried)", got)
	}
}

func TestResolve_CallerCancellation(t *testing.T) {
	engine := &scriptedEngine{block: true}
	o, _ := newTestOrchestrator(engine, &fakePool{}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := o.Resolve(ctx, "vid")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("engine calls = %d, want 1 (no retries after caller cancel)", got)
	}
}

// gatedEngine signals when extraction starts and holds it until released.
type gatedEngine struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	info    *extractor.RawInfo
}

func (e *gatedEngine) ExtractInfo(ctx context.Context, videoID, proxyURL string) (*extractor.RawInfo, error) {
	if e.calls.Add(1) == 1 {
		close(e.started)
	}
	select {
	case <-e.release:
		return e.info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *gatedEngine) Download(ctx context.Context, videoID, proxyURL, dir string) error {
	return errors.New("not implemented")
}

func TestResolve_SharedFlightSurvivesCallerCancel(t *testing.T) {
	engine := &gatedEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
		info:    rawInfoWithFormats(2),
	}
	o, _ := newTestOrchestrator(engine, &fakePool{}, 5)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := o.Resolve(ctxA, "vid")
		errA <- err
	}()
	<-engine.started

	// B joins the in-flight resolution A started.
	infoB := make(chan *types.VideoInfo, 1)
	errB := make(chan error, 1)
	go func() {
		info, err := o.Resolve(context.Background(), "vid")
		infoB <- info
		errB <- err
	}()

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}

	close(engine.release)
	info := <-infoB
	if err := <-errB; err != nil {
		t.Fatalf("joined caller error = %v, want the shared flight's result", err)
	}
	if info == nil || len(info.Formats) != 2 {
		t.Fatalf("joined caller info = %+v, want 2 formats", info)
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("engine calls = %d, want one shared extraction", got)
	}
}

func TestResolve_ZeroFormatsCachedShort(t *testing.T) {
	engine := &scriptedEngine{info: rawInfoWithFormats(0)}
	o, c := newTestOrchestrator(engine, &fakePool{}, 5)

	info, err := o.Resolve(context.Background(), "vid")
	if err != nil {
		t.Fatalf("Resolve() error = %v, zero formats is not a failure", err)
	}
	if len(info.Formats) != 0 {
		t.Fatalf("formats = %d, want 0", len(info.Formats))
	}
	if _, ok := c.Get("vid"); !ok {
		t.Fatal("zero-format success not cached")
	}
}

func TestNormalize_Filtering(t *testing.T) {
	raw := &extractor.RawInfo{
		Title: "title",
		Formats: []extractor.RawFormat{
			{FormatID: "ok", Ext: "mp4", URL: "https://example.com/v"},
			{FormatID: "no-url", Ext: "mp4"},
			{FormatID: "sprite", Ext: "mhtml", URL: "https://example.com/s"},
		},
	}
	info := Normalize(raw, "vid")
	if len(info.Formats) != 1 || info.Formats[0].Itag != "ok" {
		t.Fatalf("Normalize() kept %v, want only the retrievable non-sprite entry", info.Formats)
	}
	if info.FormatCount != 1 {
		t.Fatalf("FormatCount = %d, want 1", info.FormatCount)
	}
	if info.ID != "vid" {
		t.Fatalf("ID = %q, want requested id", info.ID)
	}
}
