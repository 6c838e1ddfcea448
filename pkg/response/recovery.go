package response

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"

	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Hijack keeps the websocket upgrade working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.wroteHeader = true
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RecoveryMiddleware prevents panics from crashing the process and returns a safe 500 response.
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.New("saga-orchestrator", nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusWriter{ResponseWriter: w}
			defer func() {
				if v := recover(); v != nil {
					log.Errorf("panic recovered", map[string]interface{}{
						"panic":     fmt.Sprint(v),
						"requestId": RequestIDFromRequest(r),
						"path":      r.URL.Path,
						"stack":     string(debug.Stack()),
					})
					if !wrapped.wroteHeader {
						WriteErrorCode(wrapped, r, commonerrors.CodeInternal, "internal server error")
					}
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}
