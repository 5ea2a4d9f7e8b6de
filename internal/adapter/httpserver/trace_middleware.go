package httpserver

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/go-chi/chi/v5"
)

// TraceMiddleware opens a server span per request. The span name uses the
// chi route pattern when one matched so /thoughts/{id}/stream traces
// aggregate under one name instead of one per thought.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			name = rc.RoutePattern()
		}
		ctx, span := otel.Tracer("thought-analyzer/http").Start(r.Context(), r.Method+" "+name)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
