package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"farmestly-reports/internal/models"
	"farmestly-reports/internal/notify"
	"farmestly-reports/internal/ratelimit"
	"farmestly-reports/internal/report"
	"farmestly-reports/internal/storage"
	"farmestly-reports/internal/telemetry"
)

// AccountHeader carries the authenticated account. Authentication itself happens upstream.
const AccountHeader = "X-Account-ID"

// Reports is the slice of the report manager the HTTP surface calls.
type Reports interface {
	Precheck(ctx context.Context, accountID string, p models.ReportParams) (report.Precheck, error)
	CreateJob(ctx context.Context, accountID string, p models.ReportParams) (models.ReportJob, error)
	GetJobForAccount(ctx context.Context, jobID, accountID string) (models.ReportJob, error)
	LatestDownload(ctx context.Context, accountID string) (report.Latest, error)
}

// Artifacts serves signed downloads.
type Artifacts interface {
	VerifyRequest(r *http.Request) bool
	SendFile(w http.ResponseWriter, r *http.Request, key string) error
}

// Limiter is a per-key rate limiter.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Subscriber streams job status events.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (*notify.Subscription, error)
}

// Options configures optional parts of the server. Limiter and Subscriber may be nil.
type Options struct {
	Location   *time.Location
	Limiter    Limiter
	Subscriber Subscriber
	// WSMaxLifetime closes status streams that never see a terminal state.
	WSMaxLifetime time.Duration
	Logger        *slog.Logger
}

// Server wires HTTP handlers for the report API.
type Server struct {
	reports    Reports
	artifacts  Artifacts
	limiter    Limiter
	subscriber Subscriber
	loc        *time.Location
	wsLifetime time.Duration
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// New constructs the API server.
func New(reports Reports, artifacts Artifacts, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.WSMaxLifetime <= 0 {
		opts.WSMaxLifetime = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		reports:    reports,
		artifacts:  artifacts,
		limiter:    opts.Limiter,
		subscriber: opts.Subscriber,
		loc:        opts.Location,
		wsLifetime: opts.WSMaxLifetime,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: opts.Logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	// Signed URLs are the only credential for downloads.
	r.Get(storage.DownloadPath+"{key}", s.handleDownload)

	r.Group(func(r chi.Router) {
		r.Use(requireAccount)
		r.Get("/report/precheck", s.handlePrecheck)
		r.Post("/report", s.handleCreate)
		r.Get("/report/status/{jobId}", s.handleStatus)
		r.Get("/report/latest", s.handleLatest)
		if s.subscriber != nil {
			r.Get("/report/ws/{jobId}", s.handleWS)
		}
	})
	return r
}

func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := report.ParseParams(report.RawParams{
		ReportType: q.Get("reportType"),
		DateRange:  q.Get("dateRange"),
		StartDate:  q.Get("startDate"),
		EndDate:    q.Get("endDate"),
	}, false, s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pc, err := s.reports.Precheck(r.Context(), accountFrom(r.Context()), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

type createResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var raw report.RawParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "INVALID_JSON"})
		return
	}
	params, err := report.ParseParams(raw, true, s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	accountID := accountFrom(r.Context())
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), "report:"+accountID)
		if err != nil {
			s.logger.Error("rate limiter", "account_id", accountID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(report.CodeInternal)})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter < time.Hour {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "RATE_LIMITED"})
			return
		}
	}

	job, err := s.reports.CreateJob(r.Context(), accountID, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createResponse{JobID: job.JobID, Status: job.Status})
}

type statusResponse struct {
	JobID     string            `json:"jobId"`
	Status    models.JobStatus  `json:"status"`
	Delivery  models.Delivery   `json:"delivery"`
	Result    *models.JobResult `json:"result,omitempty"`
	Error     *string           `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func statusOf(job models.ReportJob) statusResponse {
	out := statusResponse{
		JobID:     job.JobID,
		Status:    job.Status,
		Delivery:  job.Delivery,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	switch job.Status {
	case models.StatusCompleted:
		out.Result = job.Result
	case models.StatusFailed:
		out.Error = job.Error
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.reports.GetJobForAccount(r.Context(), chi.URLParam(r, "jobId"), accountFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(job))
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.reports.LatestDownload(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.artifacts.VerifyRequest(r) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "INVALID_SIGNATURE"})
		return
	}
	key, err := storage.KeyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND"})
		return
	}
	err = s.artifacts.SendFile(w, r, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND"})
	default:
		s.logger.Error("serve artifact", "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(report.CodeInternal)})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes. Unknown errors are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, report.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "JOB_NOT_FOUND"})
	case errors.Is(err, report.ErrNoArtifact):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NO_REPORT"})
	case errors.Is(err, report.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "ACCOUNT_NOT_FOUND"})
	case report.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(report.CodeOf(err))})
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(report.CodeInternal)})
	}
}

type ctxKey struct{}

func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(AccountHeader)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "UNAUTHENTICATED"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
