// Package server assembles the HTTP surface: routes, middleware and the
// relay intake handler.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/benchdepot/pkg/api"
	"github.com/Mindburn-Labs/benchdepot/pkg/auth"
)

// Options configures the router.
type Options struct {
	Intake Intaker
	// ServerURL prefixes Location headers; the request host is used when
	// empty.
	ServerURL string
	Validator *auth.JWTValidator
	Limiter   *api.RateLimiter
	Version   string
}

// NewRouter returns the instrumented handler for the whole API.
func NewRouter(opts Options) http.Handler {
	router := httprouter.New()
	// The relay URI is embedded in the path; it must reach the handler
	// exactly as sent.
	router.RedirectFixedPath = false
	router.RedirectTrailingSlash = false

	relayH := &relayHandler{intake: opts.Intake, serverURL: opts.ServerURL}
	router.POST("/api/v1/relay/*uri", relayH.ServeHTTP)
	router.GET("/health", health(opts.Version))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, "No route for "+r.URL.Path)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteMethodNotAllowed(w)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		api.WriteInternal(w, r, panicError{v})
	}

	var h http.Handler = router
	h = auth.RateLimitMiddleware(opts.Limiter)(h)
	h = auth.NewMiddleware(opts.Validator)(h)
	h = auth.RequestIDMiddleware(h)
	return otelhttp.NewHandler(h, "benchdepot",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeName(r.URL.Path)
		}),
	)
}

func health(version string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}

// routeName keeps relay URIs out of span names.
func routeName(path string) string {
	const relayPrefix = "/api/v1/relay/"
	if strings.HasPrefix(path, relayPrefix) {
		return relayPrefix + "*uri"
	}
	return path
}

type panicError struct{ v any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.v)
}
