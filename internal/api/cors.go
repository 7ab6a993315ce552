package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowOrigin  string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

// DefaultCORSConfig returns permissive CORS config for internal tools
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin"},
		MaxAge:       86400,
	}
}

type headerPair struct{ key, value string }

// pairs renders the config into ready-to-set headers so the per-request
// path does no joining.
func (c CORSConfig) pairs() []headerPair {
	return []headerPair{
		{"Access-Control-Allow-Origin", c.AllowOrigin},
		{"Access-Control-Allow-Methods", strings.Join(c.AllowMethods, ", ")},
		{"Access-Control-Allow-Headers", strings.Join(c.AllowHeaders, ", ")},
		{"Access-Control-Max-Age", strconv.Itoa(c.MaxAge)},
	}
}

// NewCORSMiddleware stamps CORS headers on every Huma response and
// short-circuits preflights.
func NewCORSMiddleware(config CORSConfig) func(huma.Context, func(huma.Context)) {
	pairs := config.pairs()

	return func(ctx huma.Context, next func(huma.Context)) {
		for _, p := range pairs {
			ctx.SetHeader(p.key, p.value)
		}
		if ctx.Method() == http.MethodOptions {
			ctx.SetStatus(http.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// AddCORSHandler answers preflights on the mux directly. OPTIONS requests
// never reach Huma middleware because routing rejects them first.
func AddCORSHandler(mux *http.ServeMux, config CORSConfig) {
	pairs := config.pairs()

	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
		for _, p := range pairs {
			w.Header().Set(p.key, p.value)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
