package httpapi

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/ttscache/internal/orchestrator"
	"github.com/MrWong99/ttscache/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response failed", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- /health ---

type healthResponse struct {
	Status         string `json:"status"`
	CacheSize      int64  `json:"cache_size"`
	ProviderStatus string `json:"provider_status"`
	LastErrorTime  string `json:"last_error_time,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ProviderStatus: "unknown"}

	if s.cat != nil {
		if stats, err := s.cat.GetStats(r.Context()); err == nil {
			resp.CacheSize = stats.TotalEntries
		}
	}

	if s.providers != nil {
		statuses := s.providers.Status()
		resp.ProviderStatus = summarizeProviderStatus(statuses)
	}

	if t, ok := s.lastError(); ok {
		resp.LastErrorTime = t.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

func summarizeProviderStatus(statuses []orchestrator.ProviderStatus) string {
	if len(statuses) == 0 {
		return "unknown"
	}
	for _, st := range statuses {
		if st.Available {
			return "available"
		}
	}
	return "unavailable"
}

// --- /v1/audio/speech ---

type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeJSONError(w, http.StatusBadRequest, "input must not be empty")
		return
	}

	result, err := s.pipeline.Serve(r.Context(), req.Input, req.Voice, req.Model, req.ResponseFormat)
	if err != nil {
		s.recordError()
		switch {
		case errors.Is(err, pipeline.ErrEmptyInput):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrAllProvidersUnavailable):
			writeJSONError(w, http.StatusServiceUnavailable, "all providers unavailable")
		default:
			slog.ErrorContext(r.Context(), "synthesis failed", "error", err)
			writeJSONError(w, http.StatusBadGateway, "provider error")
		}
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Audio)
}

// --- /v1/cache/stats ---

type voiceStatsResponse struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
}

type cacheStatsResponse struct {
	TotalEntries    int64                         `json:"total_entries"`
	TotalSizeBytes  int64                         `json:"total_size_bytes"`
	TotalHits       int64                         `json:"total_hits"`
	TotalMisses     int64                         `json:"total_misses"`
	HitRate         float64                       `json:"hit_rate"`
	CacheAgeSeconds float64                       `json:"cache_age_seconds"`
	FillerCount     int64                         `json:"filler_count"`
	PerVoice        map[string]voiceStatsResponse `json:"per_voice"`
	HotCacheSize    int                           `json:"hot_cache_size"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cat == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache disabled")
		return
	}

	stats, err := s.cat.GetStats(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "get stats failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	perVoice, err := s.cat.GetPerVoiceStats(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "get per-voice stats failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	oldest, err := s.cat.OldestEntryAt(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "get oldest entry failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	resp := cacheStatsResponse{
		TotalEntries:   stats.TotalEntries,
		TotalSizeBytes: stats.TotalSizeBytes,
		TotalHits:      stats.TotalHits,
		TotalMisses:    stats.TotalMisses,
		FillerCount:    stats.FillerCount,
		PerVoice:       make(map[string]voiceStatsResponse, len(perVoice)),
	}
	if total := stats.TotalHits + stats.TotalMisses; total > 0 {
		resp.HitRate = float64(stats.TotalHits) / float64(total)
	}
	if !oldest.IsZero() {
		resp.CacheAgeSeconds = time.Since(oldest).Seconds()
	}
	for _, v := range perVoice {
		resp.PerVoice[v.VoiceID] = voiceStatsResponse{Entries: v.Entries, Hits: v.Hits}
	}
	if s.hot != nil {
		resp.HotCacheSize = s.hot.Len()
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- DELETE /v1/cache ---

type cacheClearResponse struct {
	ClearedEntries int `json:"cleared_entries"`
	RemovedFiles   int `json:"removed_files"`
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cat == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache disabled")
		return
	}

	paths, err := s.cat.DeleteAll(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "clear cache failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "clear failed")
		return
	}

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err == nil {
			removed++
		} else if !os.IsNotExist(err) {
			slog.WarnContext(r.Context(), "remove artifact during cache clear failed", "path", p, "error", err)
		}
	}
	if s.hot != nil {
		s.hot.Clear()
	}

	writeJSON(w, http.StatusOK, cacheClearResponse{ClearedEntries: len(paths), RemovedFiles: removed})
}

// --- /v1/cache/fillers ---

type cacheFillersListResponse struct {
	Fillers []fillerEntryResponse `json:"fillers"`
}

type fillerEntryResponse struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Cached    bool   `json:"cached"`
	AudioPath string `json:"audio_path,omitempty"`
}

func (s *Server) handleCacheFillersList(w http.ResponseWriter, r *http.Request) {
	if s.fillerMgr == nil {
		writeJSON(w, http.StatusOK, cacheFillersListResponse{Fillers: []fillerEntryResponse{}})
		return
	}

	voiceID := r.URL.Query().Get("voice_id")
	entries := s.fillerMgr.ListFillers(voiceID)
	resp := cacheFillersListResponse{Fillers: make([]fillerEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Fillers[i] = fillerEntryResponse{ID: e.ID, Text: e.Text, Cached: e.Cached, AudioPath: e.AudioPath}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- /v1/cache/fillers/generate ---

type cacheFillersGenerateRequest struct {
	VoiceID string `json:"voice_id"`
}

type cacheFillersGenerateResponse struct {
	Results []fillerResultResponse `json:"results"`
}

type fillerResultResponse struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleCacheFillersGenerate(w http.ResponseWriter, r *http.Request) {
	if s.fillerMgr == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "filler generation not configured")
		return
	}

	var req cacheFillersGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		writeJSONError(w, http.StatusBadRequest, "voice_id must not be empty")
		return
	}

	results, err := s.fillerMgr.GenerateFillers(r.Context(), req.VoiceID)
	if err != nil {
		slog.ErrorContext(r.Context(), "filler generation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "filler generation failed")
		return
	}

	resp := cacheFillersGenerateResponse{Results: make([]fillerResultResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = fillerResultResponse{ID: res.ID, Text: res.Text, Status: string(res.Status), Error: res.Error}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- /v1/fillers static directory surface ---

// staticFillersDir is the on-disk directory served by the /v1/fillers
// endpoints, distinct from the catalog-backed /v1/cache/fillers above.
func (s *Server) staticFillersDir() string {
	return filepath.Join(s.audioDir, "fillers")
}

type staticFillersListResponse struct {
	Fillers []string `json:"fillers"`
}

func (s *Server) handleStaticFillersList(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.staticFillersDir())
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, staticFillersListResponse{Fillers: []string{}})
			return
		}
		slog.ErrorContext(r.Context(), "list static fillers failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, staticFillersListResponse{Fillers: names})
}

func (s *Server) handleStaticFillerByName(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if name == "." || name == string(filepath.Separator) {
		writeJSONError(w, http.StatusNotFound, "filler not found")
		return
	}

	path := filepath.Join(s.staticFillersDir(), name)
	info, err := os.Stat(path)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "filler not found")
		return
	}

	etag := fillerETag(info.ModTime(), info.Size())
	w.Header().Set("ETag", etag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	audio, err := os.ReadFile(path)
	if err != nil {
		slog.ErrorContext(r.Context(), "read filler file failed", "path", path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "read failed")
		return
	}

	w.Header().Set("Content-Type", pipeline.ContentType(strings.TrimPrefix(filepath.Ext(name), ".")))
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// fillerETag is the first-16 hex of MD5 over "mtime:size".
func fillerETag(mtime time.Time, size int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d", mtime.UnixNano(), size)))
	return hex.EncodeToString(sum[:])[:16]
}
