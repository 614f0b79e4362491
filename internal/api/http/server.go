package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"avisearch/orchestrator/internal/backend"
	"avisearch/orchestrator/internal/domain"
	"avisearch/orchestrator/internal/search"
)

// SessionStore is the slice of the session manager the server needs.
type SessionStore interface {
	Create() (string, *search.Controller, error)
	Get(id string) (*search.Controller, error)
	Delete(id string)
	Count() int
}

// BirdService serves the bird detail, stats and description enhancement
// endpoints directly from the backend.
type BirdService interface {
	Bird(ctx context.Context, birdID string) (any, error)
	Stats(ctx context.Context) (map[string]any, error)
	EnhanceDescription(ctx context.Context, searchableText string) (string, error)
}

type Server struct {
	sessions        SessionStore
	birds           BirdService
	logger          *slog.Logger
	requestTimeout  time.Duration
	enhanceTimeout  time.Duration
	enhanceDisabled bool
}

const (
	maxQueryLength    = 500
	maxUploadBytes    = 32 << 20
	defaultReqTimeout = 15 * time.Second
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithBirdService(birds BirdService) ServerOption {
	return func(s *Server) {
		s.birds = birds
	}
}

func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

func WithEnhanceTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.enhanceTimeout = timeout
		}
	}
}

func WithEnhanceDisabled(disabled bool) ServerOption {
	return func(s *Server) {
		s.enhanceDisabled = disabled
	}
}

func NewServer(sessions SessionStore, options ...ServerOption) *Server {
	server := &Server{
		sessions:       sessions,
		logger:         slog.Default(),
		requestTimeout: defaultReqTimeout,
		enhanceTimeout: 8 * time.Second,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionView)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /sessions/{id}/search/text", s.handleSearchText)
	mux.HandleFunc("POST /sessions/{id}/search/image", s.handleSearchImage)
	mux.HandleFunc("POST /sessions/{id}/search/audio", s.handleSearchAudio)
	mux.HandleFunc("POST /sessions/{id}/cross-modal/{birdId}", s.handleCrossModalSelect)
	mux.HandleFunc("DELETE /sessions/{id}/cross-modal", s.handleCrossModalDismiss)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClear)
	mux.HandleFunc("GET /birds/{id}", s.handleBird)
	mux.HandleFunc("GET /stats", s.handleStats)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "avisearch-orchestrator",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"sessions":  s.sessions.Count(),
	})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	id, controller, err := s.sessions.Create()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	s.logger.Info("session created", slog.String("sessionId", id))
	writeSessionView(w, http.StatusCreated, id, controller.View(ctx))
}

func (s *Server) handleSessionView(w http.ResponseWriter, r *http.Request) {
	controller, id, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	writeSessionView(w, http.StatusOK, id, controller.View(ctx))
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	s.sessions.Delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchText(w http.ResponseWriter, r *http.Request) {
	controller, id, ok := s.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(payload.Query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	if payload.Limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	view, err := controller.SubmitTextQuery(ctx, payload.Query, payload.Limit)
	s.resolveSearchResponse(w, id, view, err)
}

func (s *Server) handleSearchImage(w http.ResponseWriter, r *http.Request) {
	s.handleSearchMedia(w, r, domain.ModalityImage)
}

func (s *Server) handleSearchAudio(w http.ResponseWriter, r *http.Request) {
	s.handleSearchMedia(w, r, domain.ModalityAudio)
}

func (s *Server) handleSearchMedia(w http.ResponseWriter, r *http.Request, modality domain.Modality) {
	controller, id, ok := s.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "a multipart \"file\" field is required")
		return
	}
	defer file.Close()
	limit, err := parseLimitField(r.FormValue("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	view, err := controller.SubmitMediaQuery(ctx, modality, header.Filename, header.Header.Get("Content-Type"), file, limit)
	s.resolveSearchResponse(w, id, view, err)
}

func (s *Server) resolveSearchResponse(w http.ResponseWriter, id string, view search.View, err error) {
	switch {
	case err == nil:
		writeSessionView(w, http.StatusOK, id, view)
	case errors.Is(err, search.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, search.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", "a newer search replaced this one")
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func (s *Server) handleCrossModalSelect(w http.ResponseWriter, r *http.Request) {
	controller, id, ok := s.session(w, r)
	if !ok {
		return
	}
	birdID := r.PathValue("birdId")

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	view, err := controller.SelectForCrossModal(ctx, birdID)
	if err != nil {
		if errors.Is(err, search.ErrSuperseded) {
			writeError(w, http.StatusConflict, "superseded", "a newer request replaced this one")
			return
		}
		s.logger.Warn("cross-modal request failed",
			slog.String("sessionId", id),
			slog.String("birdId", birdID),
			slog.String("error", err.Error()),
		)
		status, code := backendErrorStatus(err)
		writeError(w, status, code, "cross-modal search is unavailable right now")
		return
	}
	writeSessionView(w, http.StatusOK, id, view)
}

func (s *Server) handleCrossModalDismiss(w http.ResponseWriter, r *http.Request) {
	controller, id, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	writeSessionView(w, http.StatusOK, id, controller.DismissCrossModal(ctx))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	controller, id, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	writeSessionView(w, http.StatusOK, id, controller.Clear(ctx))
}

func (s *Server) handleBird(w http.ResponseWriter, r *http.Request) {
	if s.birds == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "bird service is not configured")
		return
	}
	birdID := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	payload, err := s.birds.Bird(ctx, birdID)
	if err != nil {
		status, code := backendErrorStatus(err)
		message := "bird lookup failed"
		if status == http.StatusNotFound {
			message = fmt.Sprintf("bird %q not found", birdID)
		}
		writeError(w, status, code, message)
		return
	}
	bird, ok := search.NormalizeRecord(payload)
	if !ok {
		writeError(w, http.StatusBadGateway, "bad_upstream", "malformed bird record")
		return
	}

	detail := domain.BirdDetail{
		Bird:           bird,
		ImageCount:     len(bird.Images),
		AudioClipCount: len(bird.AudioClips),
	}
	if !s.enhanceDisabled && bird.RawText != "" {
		enhanceCtx, cancelEnhance := context.WithTimeout(r.Context(), s.enhanceTimeout)
		defer cancelEnhance()
		enhanced, err := s.birds.EnhanceDescription(enhanceCtx, bird.RawText)
		if err != nil {
			// Enhancement is best effort; the plain record still ships.
			s.logger.Warn("description enhancement failed",
				slog.String("birdId", birdID),
				slog.String("error", err.Error()),
			)
		} else {
			detail.EnhancedDescription = enhanced
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.birds == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "bird service is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	stats, err := s.birds.Stats(ctx)
	if err != nil {
		status, code := backendErrorStatus(err)
		writeError(w, status, code, "collection stats are unavailable right now")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// session resolves the {id} path segment to a live controller, writing the
// 404 itself when the session is gone.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*search.Controller, string, bool) {
	id := r.PathValue("id")
	controller, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found or expired")
		return nil, "", false
	}
	return controller, id, true
}

func backendErrorStatus(err error) (int, string) {
	var reqErr *backend.RequestError
	switch {
	case errors.As(err, &reqErr) && reqErr.Status == http.StatusNotFound:
		return http.StatusNotFound, "not_found"
	case errors.As(err, &reqErr) && reqErr.Status >= 400 && reqErr.Status < 500:
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, backend.ErrConnectivity):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusBadGateway, "bad_upstream"
	}
}

func writeSessionView(w http.ResponseWriter, status int, id string, view search.View) {
	writeJSON(w, status, map[string]any{
		"sessionId": id,
		"view":      view,
	})
}

// parseLimitField parses an optional per-request result limit from a form
// field. Empty means the session default.
func parseLimitField(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
