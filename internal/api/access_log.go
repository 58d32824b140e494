package api

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"

	"grimm.is/paramstrip/internal/clock"
)

// statusRecorder remembers what the handler sent.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Hijack passes websocket upgrades through.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// quietRoutes are polled by monitoring and only logged at debug.
var quietRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /metrics": true,
}

func accessLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelWarn
	case quietRoutes[route]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// accessLog logs every request and counts it by route pattern. It must wrap
// the mux directly so r.Pattern is visible after ServeHTTP returns.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.RecordAPIRequest(r.Method, route, rw.status)
		}
		s.logger.Log(r.Context(), accessLevel(route, rw.status), "access",
			"route", route,
			"path", r.URL.Path,
			"client", getClientIP(r),
			"status", rw.status,
			"bytes", rw.bytes,
			"duration", clock.Since(start).String(),
		)
	})
}
