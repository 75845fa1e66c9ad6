// Package httpapi implements the HTTP API gateway for Ngome.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Guest code only ever runs sandboxed; direct mode is not reachable
//     over HTTP
//   - Requests logged by execution ID, never by code content
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer keys. Empty = authentication off (local use).
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	dispatcher *gateway.Dispatcher
	inspector  gateway.Inspector
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	history storage.ExecutionStore // nil = history endpoints disabled.
	hub     *EventHub              // nil = event feed disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, d *gateway.Dispatcher, inspector gateway.Inspector, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:     cfg,
		dispatcher: d,
		inspector:  inspector,
		limiter:    rl,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHistory attaches the execution history store and enables the
// /v1/executions read endpoints.
func (g *Gateway) WithHistory(store storage.ExecutionStore) *Gateway {
	g.history = store
	return g
}

// WithEvents attaches the event hub and enables the /ws/events feed.
func (g *Gateway) WithEvents(hub *EventHub) *Gateway {
	g.hub = hub
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ngome",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group. Metrics run outside authentication so
	// rejected requests are counted too.
	middlewares := []okapi.Middleware{}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate, g.bodyLimit)
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Validate and execute a guest code snippet"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Statically validate a guest code snippet without running it"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ValidateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/policy", g.handlePolicy,
		okapi.DocSummary("Show the effective sandbox policy"),
		okapi.DocTags("Policy"),
		okapi.DocResponse(PolicyResponse{}),
	)

	// History endpoints (only if a store is configured).
	if g.history != nil {
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List recorded executions, newest first"),
			okapi.DocTags("Executions"),
			okapi.DocResponse(ExecutionListResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/executions/{id}", g.handleExecutionGet,
			okapi.DocSummary("Get one recorded execution by ID"),
			okapi.DocTags("Executions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(ExecutionBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Event feed. The route stays outside the request-metrics middleware:
	// a hijacked connection never writes a status code the recorder could
	// observe.
	if g.hub != nil {
		g.okapi.HandleStd("GET", "/ws/events", g.handleEvents)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		handler := http.Handler(promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}))
		if g.config.Metrics != nil || g.config.Tracer != nil {
			handler = observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, handler)
		}
		g.okapi.HandleStd("GET", path, handler.ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	if g.hub != nil {
		g.hub.CloseAll()
	}
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code     string         `json:"code"`
	Bindings map[string]any `json:"bindings,omitempty"` // Host data exposed as top-level names.
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	ID               string          `json:"id"`
	Success          bool            `json:"success"`
	Stdout           string          `json:"stdout"`
	Error            string          `json:"error,omitempty"`
	Failure          string          `json:"failure,omitempty"`
	Violations       []ViolationBody `json:"violations,omitempty"`
	ReturnValue      any             `json:"return_value,omitempty"`
	ExportedBindings map[string]any  `json:"exported_bindings,omitempty"`
	DurationMS       int64           `json:"duration_ms"`
}

// ViolationBody is one static-analysis finding on the wire.
type ViolationBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}

	// HTTP submissions always run the full restriction pipeline. Direct
	// mode is reserved for in-process callers and is not a wire option.
	id, result := g.dispatcher.Dispatch(c.Context(), "http", sandbox.ExecutionRequest{
		Code:             req.Code,
		InjectedBindings: req.Bindings,
	}, sandbox.Sandboxed)

	g.logger.InfoContext(c.Context(), "http execute",
		slog.String("client", clientID),
		slog.String("execution_id", id.String()),
		slog.Bool("success", result.Success),
		slog.String("failure", result.Failure.String()),
		slog.Duration("duration", result.Duration),
	)

	return c.OK(executeResponse(id, result))
}

func executeResponse(id uuid.UUID, result *sandbox.ExecutionResult) ExecuteResponse {
	resp := ExecuteResponse{
		ID:               id.String(),
		Success:          result.Success,
		Stdout:           result.Stdout,
		Error:            result.Error,
		Violations:       violationBodies(result.Violations),
		ReturnValue:      result.ReturnValue,
		ExportedBindings: result.ExportedBindings,
		DurationMS:       result.Duration.Milliseconds(),
	}
	if result.Failure != sandbox.FailureNone {
		resp.Failure = result.Failure.String()
	}
	return resp
}

func violationBodies(violations []sandbox.Violation) []ViolationBody {
	if len(violations) == 0 {
		return nil
	}
	bodies := make([]ViolationBody, len(violations))
	for i, v := range violations {
		bodies[i] = ViolationBody{Kind: v.Kind.String(), Message: v.Message}
	}
	return bodies
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Code string `json:"code"`
}

// ValidateResponse is the JSON response for POST /v1/validate.
type ValidateResponse struct {
	Valid      bool            `json:"valid"`
	Violations []ViolationBody `json:"violations,omitempty"`
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}

	violations := g.inspector.Validate(req.Code)

	if g.config.Metrics != nil {
		label := "clean"
		if len(violations) > 0 {
			label = "refused"
		}
		g.config.Metrics.ValidationsTotal.WithLabelValues(label).Inc()
		for _, v := range violations {
			g.config.Metrics.ViolationsTotal.WithLabelValues(v.Kind.String()).Inc()
		}
	}

	return c.OK(ValidateResponse{
		Valid:      len(violations) == 0,
		Violations: violationBodies(violations),
	})
}

// PolicyResponse is the JSON response for GET /v1/policy. It shows the
// policy in force, with defaults resolved.
type PolicyResponse struct {
	EnableExecution   bool     `json:"enable_execution"`
	Sandboxed         bool     `json:"sandboxed"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
	MaxMemoryMB       int      `json:"max_memory_mb"`
	AllowedImports    []string `json:"allowed_imports"`
	BlockedImports    []string `json:"blocked_imports,omitempty"`
	AllowedFileOps    []string `json:"allowed_file_operations,omitempty"`
	RestrictedPaths   []string `json:"restricted_paths,omitempty"`
	BlockedAttributes []string `json:"blocked_attributes"`
}

func (g *Gateway) handlePolicy(c *okapi.Context) error {
	p := g.inspector.Policy()
	return c.OK(PolicyResponse{
		EnableExecution:   p.Enabled,
		Sandboxed:         p.Sandboxed,
		TimeoutSeconds:    p.TimeoutSeconds,
		MaxMemoryMB:       p.MaxMemoryMB,
		AllowedImports:    p.AllowedImports,
		BlockedImports:    p.BlockedImports,
		AllowedFileOps:    p.AllowedFileOps,
		RestrictedPaths:   p.RestrictedPaths,
		BlockedAttributes: p.EffectiveBlockedAttributes(),
	})
}

// --- History handlers ---

// ExecutionBody is one recorded execution on the wire.
type ExecutionBody struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Source         string    `json:"source"`
	Mode           string    `json:"mode"`
	CodeHash       string    `json:"code_hash"`
	CodeBytes      int       `json:"code_bytes"`
	Verdict        string    `json:"verdict"`
	ViolationKinds []string  `json:"violation_kinds,omitempty"`
	Success        bool      `json:"success"`
	Failure        string    `json:"failure,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	StdoutBytes    int       `json:"stdout_bytes"`
}

// ExecutionListResponse is the JSON response for GET /v1/executions.
type ExecutionListResponse struct {
	Executions    []ExecutionBody `json:"executions"`
	Count         int             `json:"count"`
	TotalRecorded int64           `json:"total_recorded"`
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	filter, err := listFilter(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	rows, err := g.history.List(c.Context(), filter)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	total, err := g.history.Count(c.Context())
	if err != nil {
		g.logger.ErrorContext(c.Context(), "counting executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("counting executions failed")
	}

	resp := ExecutionListResponse{
		Executions:    make([]ExecutionBody, len(rows)),
		Count:         len(rows),
		TotalRecorded: total,
	}
	for i, row := range rows {
		resp.Executions[i] = executionBody(row)
	}
	return c.OK(resp)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}

	row, err := g.history.Get(c.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "execution not found"})
	}
	if err != nil {
		g.logger.ErrorContext(c.Context(), "loading execution failed",
			slog.String("execution_id", id.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("loading execution failed")
	}

	return c.OK(executionBody(row))
}

func executionBody(row *storage.Execution) ExecutionBody {
	return ExecutionBody{
		ID:             row.ID.String(),
		CreatedAt:      row.CreatedAt,
		Source:         row.Source,
		Mode:           row.Mode,
		CodeHash:       row.CodeHash,
		CodeBytes:      row.CodeBytes,
		Verdict:        row.Verdict,
		ViolationKinds: row.ViolationKinds,
		Success:        row.Success,
		Failure:        row.Failure,
		DurationMS:     row.DurationMS,
		StdoutBytes:    row.StdoutBytes,
	}
}

// listFilter parses the /v1/executions query parameters.
func listFilter(q url.Values) (storage.Filter, error) {
	filter := storage.Filter{
		Verdict: q.Get("verdict"),
		Source:  q.Get("source"),
		Mode:    q.Get("mode"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storage.Filter{}, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return storage.Filter{}, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return storage.Filter{}, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// --- Health handlers ---

// HealthResponse is the JSON response for the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Event feed ---

// handleEvents authenticates and upgrades an event feed subscription.
// Browsers cannot set headers on WebSocket dials, so a token query
// parameter is accepted alongside the Authorization header.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if len(g.config.APIKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if !g.authorizedKey(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	g.hub.Subscribe(w, r)
}

// --- Middleware ---

// authenticate validates the bearer key and tags the request with the
// client identity used for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		c.Set("clientID", clientAddr(c.Request()))

		if len(g.config.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		if !g.authorizedKey(apiKey) {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// authorizedKey compares the presented key against every configured key
// without early exit.
func (g *Gateway) authorizedKey(apiKey string) bool {
	ok := false
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// bodyLimit caps request bodies before any handler reads them.
func (g *Gateway) bodyLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		max := g.config.maxRequestSize()
		if r.ContentLength > max {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		r.Body = http.MaxBytesReader(nil, r.Body, max)
		return next(c)
	}
}

// clientAddr extracts the bare host from the request's remote address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
