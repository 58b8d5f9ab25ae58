package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("session", sessionFrom(r)).
			Msg("Request")
	})
}

// sessionFrom resolves the caller's session: the X-Session-Id header wins,
// then the sessionId query parameter, then "default".
func sessionFrom(r *http.Request) string {
	if s := r.Header.Get("X-Session-Id"); s != "" {
		return s
	}
	if s := r.URL.Query().Get("sessionId"); s != "" {
		return s
	}
	return "default"
}
