package httpapi

import (
	"expvar"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(writer, r)
			requestsTotal.Add(1)
			if writer.status >= http.StatusBadRequest {
				requestsErrors.Add(1)
			}
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", writer.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
