// Package httpapi wires the cache's HTTP surface: audio synthesis, cache
// inspection/management, and the two filler endpoints, routed with chi.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/ttscache/internal/catalog"
	"github.com/MrWong99/ttscache/internal/fillers"
	"github.com/MrWong99/ttscache/internal/hotindex"
	"github.com/MrWong99/ttscache/internal/observe"
	"github.com/MrWong99/ttscache/internal/orchestrator"
	"github.com/MrWong99/ttscache/internal/pipeline"
)

// ProviderStatuser reports per-provider circuit-breaker state, satisfied by
// *orchestrator.FallbackGroup.
type ProviderStatuser interface {
	Status() []orchestrator.ProviderStatus
}

// Server holds every component the HTTP handlers read from or act on.
type Server struct {
	router chi.Router

	pipeline  *pipeline.Pipeline
	cat       *catalog.Catalog
	hot       *hotindex.HotIndex
	fillerMgr *fillers.Manager
	providers ProviderStatuser
	audioDir  string
	metrics   *observe.Metrics

	mu          sync.Mutex
	lastErrorAt time.Time
}

// New builds a Server and mounts every route. fillerMgr and providers may be
// nil, in which case the corresponding endpoints report a degraded response
// rather than panicking.
func New(p *pipeline.Pipeline, cat *catalog.Catalog, hot *hotindex.HotIndex, fillerMgr *fillers.Manager, providers ProviderStatuser, audioDir string, metrics *observe.Metrics) *Server {
	s := &Server{
		pipeline:  p,
		cat:       cat,
		hot:       hot,
		fillerMgr: fillerMgr,
		providers: providers,
		audioDir:  audioDir,
		metrics:   metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware(metrics))

	r.Get("/health", s.handleHealth)
	r.Post("/v1/audio/speech", s.handleSpeech)
	r.Get("/v1/cache/stats", s.handleCacheStats)
	r.Delete("/v1/cache", s.handleCacheClear)
	r.Get("/v1/cache/fillers", s.handleCacheFillersList)
	r.Post("/v1/cache/fillers/generate", s.handleCacheFillersGenerate)
	r.Get("/v1/fillers", s.handleStaticFillersList)
	r.Get("/v1/fillers/{name}", s.handleStaticFillerByName)

	s.router = r
	return s
}

// Router returns the underlying chi.Router so main can attach it to an
// *http.Server.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) recordError() {
	s.mu.Lock()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

func (s *Server) lastError() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorAt, !s.lastErrorAt.IsZero()
}

var _ http.Handler = (*Server)(nil)

// ServeHTTP lets Server itself act as an http.Handler, delegating to the
// mounted chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
