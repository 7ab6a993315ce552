package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/llmpool/internal/api/models"
	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/protocol"
	"github.com/smazurov/llmpool/internal/updater"
)

// PoolController is the slice of the pool client the API is built over.
// Both attachment roles satisfy it: a leading process answers from its
// own pools, a following process relays over the socket.
type PoolController interface {
	Role() client.Role
	Status() (*protocol.Status, error)
	Recycle(poolName string) error
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Pools             PoolController
	Bus               *events.Bus
	UpdateService     updater.Service
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
}

// Server is the debug HTTP API. It is a read-mostly sidecar over the
// pool client; recycles and updates are its only mutations.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	pools      PoolController
	eventBus   *events.Bus
	options    *Options
	logger     *slog.Logger
}

// NewServer builds the Huma API over Go 1.22 native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("llmpool API", "1.0.0")
	config.Info.Description = "Session pool control API for AI completion backends"
	// An empty servers list makes the OpenAPI doc use relative paths,
	// which works no matter what host serves it.
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		pools:    opts.Pools,
		eventBus: opts.Bus,
		options:  opts,
		logger:   logging.GetLogger("api"),
	}

	// Middleware order matters: CORS answers preflights before auth can
	// reject them, and logging sees every request either way.
	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// Prometheus scrapes stay outside Huma: plain handler, no auth
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// basicAuthMiddleware gates every operation that declares a security
// requirement. Credentials arrive in the Authorization header, or in an
// auth query parameter for SSE clients since EventSource cannot set
// headers.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	deny := func(ctx huma.Context, msg string, errs ...error) {
		ctx.SetHeader("WWW-Authenticate", `Basic realm="llmpool API"`)
		huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		// Routes registered with empty security stay open.
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		var encoded string
		if header := ctx.Header("Authorization"); header != "" {
			const prefix = "Basic "
			if !strings.HasPrefix(header, prefix) {
				deny(ctx, "Invalid authentication type")
				return
			}
			encoded = header[len(prefix):]
		} else {
			encoded = ctx.Query("auth")
		}
		if encoded == "" {
			deny(ctx, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			deny(ctx, "Invalid credentials format", err)
			return
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			deny(ctx, "Invalid credentials format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			deny(ctx, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

// GetMux returns the underlying HTTP ServeMux for additional setup
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// Start serves the API on addr, blocking until the server stops.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting debug API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down without draining; open SSE streams would
// hold a graceful shutdown forever.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	// Liveness first, open to probes without credentials.
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	s.registerPoolRoutes()
	s.registerLogRoutes()
	s.registerSSERoutes()
	s.registerUpdateRoutes()
}

// withAuth returns the security requirement for basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
