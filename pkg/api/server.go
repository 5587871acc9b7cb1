// Package api exposes the job queue over HTTP for producers and operators.
//
// API Endpoints:
//
//	POST /enqueue            - submit an invocation of a registered task
//	GET  /results/{id}       - status and result of an invocation
//	GET  /stats              - queue depths
//	GET  /queues/{name}      - inspect up to ?limit= invocations of a queue
//	GET  /dead-letters       - ids of terminally failed invocations
//	GET  /schedule           - periodic entries with last and next fire times
//	GET  /tasks              - registered task names
//	GET  /health             - liveness, never authenticated
//
// Request Format (POST /enqueue):
//
//	{
//	  "task": "job_worker.tasks.case_tasks.generate_postmortem",
//	  "payload": {"case_id": "c-42"},
//	  "priority": 2,
//	  "countdown": 30
//	}
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/queue"
	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/scheduler"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// Queue is the dispatcher surface the API reads and writes.
type Queue interface {
	Enqueue(ctx context.Context, inv tasks.Invocation) (string, error)
	Result(ctx context.Context, id string) (*tasks.Result, error)
	Depths(ctx context.Context) (map[string]int64, error)
	Inspect(ctx context.Context, queueName string, limit int64) ([]*tasks.Invocation, error)
	DeadLetters(ctx context.Context, limit int64) ([]string, error)
}

// Catalog builds invocations of registered tasks.
type Catalog interface {
	NewInvocation(name string, payload tasks.Payload) (tasks.Invocation, error)
	Names() []string
}

// Schedule reports the periodic entries.
type Schedule interface {
	Snapshot(ctx context.Context) ([]scheduler.EntryState, error)
}

// Options configures authentication and CORS.
type Options struct {
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string
	// AllowedOrigins lists CORS origins; empty allows all.
	AllowedOrigins []string
	// Now defaults to time.Now.
	Now func() time.Time
}

var queueNames = []string{
	queue.QueueHigh, queue.QueueDefault, queue.QueueLow,
	queue.QueueDelayed, queue.QueueProcessing, queue.QueueDeadLetter,
}

type server struct {
	queue    Queue
	catalog  Catalog
	schedule Schedule
	now      func() time.Time
	validate *validator.Validate
}

// NewRouter wires the routes. schedule may be nil when no entries are known.
func NewRouter(q Queue, catalog Catalog, schedule Schedule, opts Options) http.Handler {
	s := &server{
		queue:    q,
		catalog:  catalog,
		schedule: schedule,
		now:      opts.Now,
		validate: validator.New(),
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	// CORS runs before auth so preflight requests never need a key.
	r.Use(cors(opts.AllowedOrigins))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(apiKeyAuth(opts.APIKey))
		r.Post("/enqueue", s.enqueue)
		r.Get("/results/{id}", s.result)
		r.Get("/stats", s.stats)
		r.Get("/queues/{name}", s.inspect)
		r.Get("/dead-letters", s.deadLetters)
		r.Get("/schedule", s.scheduleState)
		r.Get("/tasks", s.taskNames)
	})
	return r
}

// apiKeyAuth enforces the X-API-Key header. An empty key disables the check.
func apiKeyAuth(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey != "" && r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type enqueueRequest struct {
	ID       string        `json:"id"`
	Task     string        `json:"task" validate:"required"`
	Payload  tasks.Payload `json:"payload"`
	Priority *int          `json:"priority" validate:"omitempty,min=0,max=2"`
	// Countdown delays the first execution, in seconds.
	Countdown int `json:"countdown" validate:"gte=0"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inv, err := s.catalog.NewInvocation(req.Task, req.Payload)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.ID != "" {
		inv.ID = req.ID
	}
	if req.Priority != nil {
		inv.Priority = *req.Priority
	}
	if req.Countdown > 0 {
		inv.NotBefore = s.now().Add(time.Duration(req.Countdown) * time.Second)
	}

	id, err := s.queue.Enqueue(r.Context(), inv)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Log.Info().Str("invocation_id", id).Str("task", inv.TaskName).Msg("Invocation enqueued")
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id})
}

func (s *server) result(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Result(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *server) inspect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(queueNames, name) {
		http.Error(w, "Unknown queue (want one of "+strings.Join(queueNames, ", ")+")", http.StatusNotFound)
		return
	}
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}

	invs, err := s.queue.Inspect(r.Context(), name, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if invs == nil {
		invs = []*tasks.Invocation{}
	}
	writeJSON(w, http.StatusOK, invs)
}

func (s *server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	ids, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *server) scheduleState(w http.ResponseWriter, r *http.Request) {
	states := []scheduler.EntryState{}
	if s.schedule != nil {
		var err error
		if states, err = s.schedule.Snapshot(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *server) taskNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Names())
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int64) (int64, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 || n > 1000 {
		http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}
