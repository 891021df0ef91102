package otel

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns an OpenTelemetry middleware for Chi routers.
// Tags spans with request.id from headers and evaluation.id from the route.
func Middleware(serviceName string, opts ...otelchi.Option) func(http.Handler) http.Handler {
	baseMiddleware := otelchi.Middleware(serviceName, opts...)

	return func(next http.Handler) http.Handler {
		return baseMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if span.IsRecording() {
				if requestID := r.Header.Get("x-request-id"); requestID != "" {
					span.SetAttributes(attribute.String(AttrRequestID, requestID))
				}
			}
			next.ServeHTTP(w, r)
			// route params are resolved once the router has matched
			if span.IsRecording() {
				if id := chi.URLParam(r, "id"); id != "" {
					span.SetAttributes(attribute.String(AttrEvaluationID, id))
				}
			}
		}))
	}
}
