package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"media-download-service/internal/downloads"
	"media-download-service/internal/models"
	"media-download-service/internal/store"
	"media-download-service/internal/telemetry"
)

const (
	msgStarted  = "Download started successfully! Processing..."
	msgExisting = "Download already exists for this video and format."
	msgDeleted  = "Download deleted successfully."
)

// Limiter gates submissions per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Options wires a Server.
type Options struct {
	Service *downloads.Service
	Limiter Limiter
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Server wires HTTP handlers for the download API.
type Server struct {
	svc     *downloads.Service
	limiter Limiter
	log     zerolog.Logger
	now     func() time.Time
}

// New constructs the API server. A nil Limiter disables rate limiting.
func New(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		svc:     opts.Service,
		limiter: opts.Limiter,
		log:     opts.Logger.With().Str("component", "api").Logger(),
		now:     clock,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/health-check", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/", s.handleList)
	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/status/check", s.handleStatusCheck)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

type submitRequest struct {
	URL        string `json:"url"`
	YouTubeURL string `json:"youtube_url"`
	Format     string `json:"format"`
}

func (req submitRequest) sourceURL() string {
	if req.URL != "" {
		return req.URL
	}
	return req.YouTubeURL
}

type submitResponse struct {
	Download models.Detail `json:"download"`
	Created  bool          `json:"created"`
	Message  string        `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	asJSON := isJSON(r)
	var req submitRequest
	if asJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		req = submitRequest{
			URL:        r.PostForm.Get("url"),
			YouTubeURL: r.PostForm.Get("youtube_url"),
			Format:     r.PostForm.Get("format"),
		}
	}

	job, created, err := s.svc.Submit(r.Context(), req.sourceURL(), req.Format)
	var verr *downloads.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Fields})
		return
	case errors.Is(err, downloads.ErrDispatch):
		s.serverError(w, r, err, "enqueue failed")
		return
	case err != nil:
		s.serverError(w, r, err, "internal error")
		return
	}

	location := fmt.Sprintf("/downloads/%d", job.ID)
	if !asJSON {
		http.Redirect(w, r, location+"?started=1", http.StatusSeeOther)
		return
	}
	msg := msgStarted
	if !created {
		msg = msgExisting
	}
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, submitResponse{Download: job.Detail(), Created: created, Message: msg})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.List(r.Context(), r.URL.Query().Get("status"))
	var verr *downloads.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Fields})
		return
	}
	if err != nil {
		s.serverError(w, r, err, "internal error")
		return
	}
	out := make([]models.Detail, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Detail())
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloads": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "download not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, r, err, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"download": job.Detail()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	deleted, err := s.svc.Delete(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err, "failed to delete download")
		return
	}
	resp := map[string]any{"deleted": deleted}
	if deleted {
		resp["message"] = msgDeleted
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatusCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	values := append(append([]string{}, q["ids"]...), q["ids[]"]...)
	snaps, err := s.svc.Check(r.Context(), downloads.ParseIDs(values...))
	if err != nil {
		s.serverError(w, r, err, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloads": snaps})
}

// allow applies the per-client rate limit and writes the rejection when it trips.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		s.serverError(w, r, err, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	s.log.Error().Err(err).Str("request_id", chimw.GetReqID(r.Context())).Str("path", r.URL.Path).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "download not found", http.StatusNotFound)
		return 0, false
	}
	return id, true
}

// clientKey identifies the caller for rate limiting. RealIP has already rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
