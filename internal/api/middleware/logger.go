package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// statusWriter records the status and size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.size += n
	return n, err
}

// routeOf returns the matched chi route pattern, or the raw path when
// nothing matched.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Logger writes one line per API call. Health checks are not logged and
// successful reads go to debug so capture and lifecycle calls stand out.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)

		var event *zerolog.Event
		switch {
		case sw.status >= 500:
			event = log.Error()
		case sw.status >= 400:
			event = log.Warn()
		case r.Method == http.MethodGet:
			event = log.Debug()
		default:
			event = log.Info()
		}

		event = event.
			Str("method", r.Method).
			Str("route", routeOf(r)).
			Int("status", sw.status).
			Int("bytes", sw.size).
			Dur("took", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("user", GetUserID(r.Context()))
		if id := chi.URLParam(r, "patternId"); id != "" {
			event = event.Str("pattern", id)
		}
		event.Msg("api")
	})
}
