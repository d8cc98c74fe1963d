package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"

	"github.com/famomatic/streamd/internal/cache"
	"github.com/famomatic/streamd/internal/formats"
	"github.com/famomatic/streamd/internal/merge"
	"github.com/famomatic/streamd/internal/proxy"
	"github.com/famomatic/streamd/internal/resolver"
	"github.com/famomatic/streamd/internal/types"
)

// Resolver is the resolution entry point the routes depend on.
type Resolver interface {
	Resolve(ctx context.Context, videoID string) (*types.VideoInfo, error)
}

// Merger produces a merged artifact for an already-resolved video.
type Merger interface {
	Merge(ctx context.Context, info *types.VideoInfo, proxyURL string) (*merge.Artifact, error)
}

// Server exposes the HTTP surface over the injected stores and orchestrator.
type Server struct {
	resolver Resolver
	merger   Merger
	cache    *cache.ResolutionCache
	pool     *proxy.Pool
	logger   *slog.Logger
}

// New returns a server serving all routes.
func New(res Resolver, merger Merger, c *cache.ResolutionCache, p *proxy.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		resolver: res,
		merger:   merger,
		cache:    c,
		pool:     p,
		logger:   logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	mux.HandleFunc("GET /m3u8/{id}", s.handleManifest)
	mux.HandleFunc("GET /high/{id}", s.handleHigh)
	mux.HandleFunc("GET /merge/{id}", s.handleMerge)
	mux.HandleFunc("GET /cache", s.handleCacheList)
	mux.HandleFunc("DELETE /cache", s.handleCacheClear)
	mux.HandleFunc("DELETE /cache/{id}", s.handleCacheDelete)
	mux.HandleFunc("GET /proxy/stats", s.handleProxyStats)
	mux.HandleFunc("GET /proxy/info", s.handleProxyStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withRequestLog(mux)
}

// withRequestLog attaches a request-scoped logger carrying a request id.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.logger.With(
			slog.String("request_id", uuid.NewString()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		ctx := slogctx.NewCtx(r.Context(), log)
		log.Debug("request received")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	info, err := s.resolver.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.resolveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	info, err := s.resolver.Resolve(r.Context(), videoID)
	if err != nil {
		s.resolveError(w, r, err)
		return
	}
	manifest, err := formats.ManifestFormats(info.Formats)
	if err != nil {
		httpError(w, http.StatusNotFound, "No m3u8 streams found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"title":        info.Title,
		"id":           videoID,
		"m3u8_formats": manifest,
	})
}

func (s *Server) handleHigh(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	info, err := s.resolver.Resolve(r.Context(), videoID)
	if err != nil {
		s.resolveError(w, r, err)
		return
	}
	var bestVideo, bestAudio *types.FormatInfo
	if f, ok := formats.BestVideo(info.Formats); ok {
		bestVideo = &f
	}
	if f, ok := formats.BestAudio(info.Formats); ok {
		bestAudio = &f
	}
	if bestVideo == nil && bestAudio == nil {
		httpError(w, http.StatusNotFound, "No suitable streams found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"title":      info.Title,
		"id":         videoID,
		"best_video": bestVideo,
		"best_audio": bestAudio,
		"note":       "Combine streams using FFmpeg for best quality",
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	info, err := s.resolver.Resolve(r.Context(), videoID)
	if err != nil {
		s.resolveError(w, r, err)
		return
	}

	proxyAddr, _ := s.pool.Select()
	artifact, err := s.merger.Merge(r.Context(), info, proxyAddr)
	if err != nil {
		slogctx.FromCtx(r.Context()).Error("merge failed", slog.Any("error", err))
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() {
		if closeErr := artifact.Close(); closeErr != nil {
			slogctx.FromCtx(r.Context()).Warn("artifact cleanup failed", slog.Any("error", closeErr))
		}
	}()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	http.ServeFile(w, r, artifact.Path)
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	s.cache.Sweep()
	writeJSON(w, http.StatusOK, s.cache.List())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	count := s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Cleared %d cache entries", count),
	})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	if !s.cache.Delete(videoID) {
		httpError(w, http.StatusNotFound, "Cache entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Cache deleted for %s", videoID),
	})
}

func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":          s.pool.Stats(),
		"cache_entries": s.cache.Len(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"pool":          s.pool.Stats(),
		"cache_entries": s.cache.Len(),
	})
}

// resolveError maps resolution failures to response codes: per-attempt
// timeouts to 504, retry exhaustion to 502, anything else to 500. All carry
// the short cause string.
func (s *Server) resolveError(w http.ResponseWriter, r *http.Request, err error) {
	slogctx.FromCtx(r.Context()).Error("resolution failed", slog.Any("error", err))
	var exhausted *resolver.ExhaustedError
	switch {
	case errors.Is(err, resolver.ErrAttemptTimeout):
		httpError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &exhausted):
		httpError(w, http.StatusBadGateway, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "Failed to fetch video info: "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
