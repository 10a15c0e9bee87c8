package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("flowmint/api")

// Telemetry opens a server span per API call. The span is renamed to the
// matched route once routing is done, so /patterns/p1/mint and
// /patterns/p2/mint share one span name and carry the id as an attribute.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("flowmint.user", GetUserID(ctx)),
			),
		)
		defer span.End()

		sw := wrapWriter(w)
		req := r.WithContext(ctx)
		next.ServeHTTP(sw, req)

		route := routeOf(req)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", sw.status),
		)
		if id := chi.URLParam(req, "patternId"); id != "" {
			span.SetAttributes(attribute.String("flowmint.pattern.id", id))
		}
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}
