// Package httpx serves the controller's read-only status API. All writes go
// through the intent queue; nothing here mutates an environment.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

const healthCheckTimeout = 2 * time.Second

// Router wires HTTP endpoints to the registry.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	registry repository.EnvironmentRepository
	builds   repository.BuildRepository
	dbHealth func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, registry repository.EnvironmentRepository, builds repository.BuildRepository, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		registry: registry,
		builds:   builds,
		dbHealth: dbHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/environments", r.audit(r.handleEnvironments))
	r.mux.HandleFunc("/environments/", r.audit(r.handleEnvironmentSubroutes))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEnvironments lists environments, filtered by ?status=. The default
// filter covers the live statuses.
func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	statuses := []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusStopped, domain.StatusFailed}
	if raw := req.URL.Query().Get("status"); raw != "" {
		statuses = statuses[:0]
		for _, part := range strings.Split(raw, ",") {
			status := domain.Status(strings.TrimSpace(part))
			switch status {
			case domain.StatusPending, domain.StatusRunning, domain.StatusStopped,
				domain.StatusFailed, domain.StatusTerminated, domain.StatusDestroyed:
				statuses = append(statuses, status)
			default:
				writeError(w, http.StatusBadRequest, "unknown status "+string(status))
				return
			}
		}
	}
	envs, err := r.registry.ListEnvironmentsByStatus(req.Context(), statuses...)
	if err != nil {
		r.logger.Error("failed to list environments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list environments")
		return
	}
	out := make([]environmentResponse, 0, len(envs))
	for _, env := range envs {
		out = append(out, toEnvironmentResponse(env))
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": out})
}

// handleEnvironmentSubroutes serves one environment and its build history:
//
//	GET /environments/{owner}/{repo}/{pr}
//	GET /environments/{owner}/{repo}/{pr}/builds
func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/environments/"), "/")
	parts := strings.Split(rest, "/")

	wantBuilds := false
	if len(parts) == 4 && parts[3] == "builds" {
		wantBuilds = true
		parts = parts[:3]
	}
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	prNumber, err := strconv.Atoi(parts[2])
	if err != nil || prNumber <= 0 {
		writeError(w, http.StatusBadRequest, "malformed PR number")
		return
	}
	key := domain.EnvironmentKey{Repository: parts[0] + "/" + parts[1], PRNumber: prNumber}

	if wantBuilds {
		r.renderBuilds(w, req, key)
		return
	}
	env, err := r.registry.GetEnvironment(req.Context(), key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "environment not found")
			return
		}
		r.logger.Error("failed to read environment", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read environment")
		return
	}
	writeJSON(w, http.StatusOK, toEnvironmentResponse(env))
}

func (r *Router) renderBuilds(w http.ResponseWriter, req *http.Request, key domain.EnvironmentKey) {
	attempts, err := r.builds.ListBuildAttempts(req.Context(), key)
	if err != nil {
		r.logger.Error("failed to list build attempts", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	out := make([]buildResponse, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, buildResponse{
			AttemptID: attempt.AttemptID,
			CommitSHA: attempt.CommitSHA,
			Branch:    attempt.Branch,
			Status:    attempt.Status,
			Error:     attempt.Error,
			Duration:  attempt.Duration.String(),
			CreatedAt: attempt.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": out})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type environmentResponse struct {
	Repository     string     `json:"repository"`
	PRNumber       int        `json:"prNumber"`
	Status         string     `json:"status"`
	Branch         string     `json:"branch,omitempty"`
	CommitSHA      string     `json:"sha,omitempty"`
	HostRef        string     `json:"hostRef,omitempty"`
	PublicURL      string     `json:"publicUrl,omitempty"`
	ErrorMessage   string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

func toEnvironmentResponse(env *domain.Environment) environmentResponse {
	resp := environmentResponse{
		Repository:   env.Key.Repository,
		PRNumber:     env.Key.PRNumber,
		Status:       string(env.Status),
		Branch:       env.Branch,
		CommitSHA:    env.CommitSHA,
		HostRef:      env.HostRef,
		PublicURL:    env.PublicURL,
		ErrorMessage: env.ErrorMessage,
		CreatedAt:    env.CreatedAt,
		UpdatedAt:    env.UpdatedAt,
	}
	if !env.LastActivityAt.IsZero() {
		last := env.LastActivityAt
		resp.LastActivityAt = &last
	}
	return resp
}

type buildResponse struct {
	AttemptID string    `json:"attemptId"`
	CommitSHA string    `json:"sha"`
	Branch    string    `json:"branch"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration"`
	CreatedAt time.Time `json:"createdAt"`
}
