package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/metrics"
	"sopline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that rewrites those headers.
	TrustProxyHeaders bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid execution transition: pause from status completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_status\":\"completed\"}"`
}

type requestKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the SOP API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema failures are client errors, not domain rejections.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.TrustProxyHeaders {
		router.Use(middleware.RealIP)
	}
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Sopline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(started)
			metrics.RecordHTTPRequestDuration(r.Method, route, strconv.Itoa(status), elapsed)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("request failed", fields...)
				return
			}
			logger.Debug("request", fields...)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve  *engine.ValidationError
		nf  *engine.NotFoundError
		ite *engine.InvalidTransitionError
		cme *engine.ConcurrentModificationError
		sie *engine.SequenceIntegrityError
		rna *engine.RetryNotAllowedError
		awe *engine.AuditWriteError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	case errors.As(err, &ite):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"event": ite.Event, "current_status": ite.Current})
	case errors.As(err, &cme):
		details := map[string]any{"kind": cme.Kind, "id": cme.ID, "expected_version": cme.Expected}
		if cme.Actual != 0 {
			details["actual_version"] = cme.Actual
		}
		if cme.ExpectedPosition != nil {
			details["expected_position"] = *cme.ExpectedPosition
			details["current_step_position"] = cme.ActualPosition
		}
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), details)
	case errors.As(err, &sie):
		return newAPIError(http.StatusUnprocessableEntity, "sequence_integrity", err.Error(), map[string]any{"project_id": sie.ProjectID, "problems": sie.Problems})
	case errors.As(err, &rna):
		return newAPIError(http.StatusUnprocessableEntity, "retry_not_allowed", err.Error(),
			map[string]any{"retry_count": rna.RetryCount, "escalation_level": rna.EscalationLevel})
	case errors.As(err, &awe):
		return newAPIError(http.StatusInternalServerError, "audit_write_failed", "audit write failed; no change was made", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// clientMeta describes the caller for the audit trail.
func clientMeta(ctx context.Context) domain.ClientMeta {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return domain.ClientMeta{}
	}
	ip := req.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return domain.ClientMeta{IPAddress: ip, UserAgent: req.UserAgent()}
}

func positionPtr(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func versionPtr(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}
