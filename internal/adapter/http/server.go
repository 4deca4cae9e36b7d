package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cwygoda/tubequeue/internal/adapter/events"
	"github.com/cwygoda/tubequeue/internal/adapter/sqlite"
	"github.com/cwygoda/tubequeue/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	heartbeatInterval   = 15 * time.Second
)

// DestinationCatalog resolves destination folders to download settings.
type DestinationCatalog interface {
	Destination(name string) (domain.DownloadSettings, bool)
	AudioLocations() []string
	VideoLocations() []string
}

// HistoryStore lists journaled jobs.
type HistoryStore interface {
	History(ctx context.Context, limit int) ([]sqlite.Entry, error)
	Get(ctx context.Context, id int64) (*sqlite.Entry, error)
	Session() string
}

// WorkerStats reports the state of the worker pool.
type WorkerStats interface {
	Size() int
	Restarts() int64
}

// Options configures a Server. Hub, History and Destinations are optional.
type Options struct {
	Addr         string
	Secret       string
	Hub          *events.Hub
	History      HistoryStore
	Destinations DestinationCatalog
	Workers      WorkerStats
	Logger       *log.Logger
}

// Server is the HTTP adapter for the download queue.
type Server struct {
	svc          *domain.JobService
	mux          *http.ServeMux
	server       *http.Server
	secret       string
	hub          *events.Hub
	history      HistoryStore
	destinations DestinationCatalog
	workers      WorkerStats
	logger       *log.Logger
	closing      chan struct{}
	closeOnce    sync.Once
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	s := &Server{
		svc:          svc,
		mux:          http.NewServeMux(),
		secret:       opts.Secret,
		hub:          opts.Hub,
		history:      opts.History,
		destinations: opts.Destinations,
		workers:      opts.Workers,
		logger:       opts.Logger.With("component", "http"),
		closing:      make(chan struct{}),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /downloads", s.handleSubmit)
	s.mux.HandleFunc("GET /downloads", s.handleList)
	s.mux.HandleFunc("GET /downloads/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /downloads/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /downloads/remove", s.handleRemove)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /destinations", s.handleDestinations)
	s.mux.HandleFunc("GET /history/{id}", s.handleHistoryEntry)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// submitRequest is the request body for POST /downloads.
type submitRequest struct {
	URL        string                   `json:"url"`
	FolderName string                   `json:"folder_name"`
	AudioOnly  bool                     `json:"audio_only"`
	Settings   *domain.DownloadSettings `json:"download_settings"`
}

// idsRequest is the request body for cancel and remove.
type idsRequest struct {
	IDs []int64 `json:"ids"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	domain.Job
	DisplayStatus string `json:"display_status"`
}

// countResponse reports how many of the requested jobs were found.
type countResponse struct {
	Found int `json:"found"`
}

// destinationsResponse lists the configured destination folders.
type destinationsResponse struct {
	Audio []string `json:"audio"`
	Video []string `json:"video"`
}

// healthResponse is the response body for GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Pending  int    `json:"pending"`
	Active   int    `json:"active"`
	Workers  int    `json:"workers,omitempty"`
	Restarts int64  `json:"worker_restarts"`
	Session  string `json:"session,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerified(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	var settings domain.DownloadSettings
	switch {
	case req.Settings != nil:
		settings = *req.Settings
	case s.destinations != nil:
		d, found := s.destinations.Destination(req.FolderName)
		if !found {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown destination %q", req.FolderName))
			return
		}
		settings = d
	}

	jobs, err := s.svc.Submit(r.Context(), domain.Request{
		URL:        strings.TrimSpace(req.URL),
		FolderName: req.FolderName,
		Settings:   settings,
		AudioOnly:  req.AudioOnly,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "invalid URL")
		case errors.Is(err, domain.ErrDuplicateJob):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrResolutionFailed):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("submit error", "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toResponse(job))
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	snapshot := s.svc.Snapshot()
	resp := make(map[int64]jobResponse, len(snapshot))
	for id, job := range snapshot {
		resp[id] = toResponse(job)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, err := s.svc.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job error", "job", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, toResponse(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readIDs(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Found: s.svc.Cancel(ids...)})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readIDs(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Found: s.svc.Remove(ids...)})
}

func (s *Server) readIDs(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	body, ok := s.readVerified(w, r)
	if !ok {
		return nil, false
	}
	var req idsRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids are required")
		return nil, false
	}
	return req.IDs, true
}

// handleEvents streams notifications as server-sent events, starting with the
// current job list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe(0)
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	initial := domain.Event{Name: domain.EventJobsUpdated, Jobs: s.svc.Snapshot(), At: time.Now()}
	if err := writeEvent(w, initial); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("event stream closed", "subscriber", sub.ID, "err", err)
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("history error", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []sqlite.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	entry, err := s.history.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("history entry error", "job", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	resp := destinationsResponse{Audio: []string{}, Video: []string{}}
	if s.destinations != nil {
		resp.Audio = append(resp.Audio, s.destinations.AudioLocations()...)
		resp.Video = append(resp.Video, s.destinations.VideoLocations()...)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, job := range s.svc.Snapshot() {
		switch {
		case job.Status == domain.StatusPending:
			resp.Pending++
		case job.Status.IsActive():
			resp.Active++
		}
	}
	if s.workers != nil {
		resp.Workers = s.workers.Size()
		resp.Restarts = s.workers.Restarts()
	}
	if s.history != nil {
		resp.Session = s.history.Session()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// readVerified reads the request body and checks its signature when a secret is set.
func (s *Server) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.logger.Warn("request verification failed", "path", r.URL.Path, "err", err)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return nil, false
		}
	}
	return body, true
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	// Check X-Timestamp header
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	// Check X-Signature header
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if signature != Sign(timestamp, body, s.secret) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// Sign computes the X-Signature value: SHA256("${timestamp}\n${body}\n${secret}") in hex.
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func toResponse(job domain.Job) jobResponse {
	return jobResponse{Job: job, DisplayStatus: job.DisplayStatus()}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown ends open event streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
