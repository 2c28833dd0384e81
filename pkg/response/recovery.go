package response

import (
	"net/http"
	"runtime/debug"

	commonerrors "github.com/exchange/saga-orchestrator/pkg/errors"
	"github.com/exchange/saga-orchestrator/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware prevents panics from crashing the process and returns a safe 500 response.
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusWriter{ResponseWriter: w}
			defer func() {
				if v := recover(); v != nil {
					if log != nil {
						log.WithContext(r.Context()).Errorf("panic recovered", map[string]interface{}{
							"panic":     v,
							"requestId": RequestIDFromRequest(r),
							"stack":     string(debug.Stack()),
						})
					}
					if !wrapped.wroteHeader {
						WriteErrorCode(wrapped, r, commonerrors.CodeInternal, "internal server error")
					}
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}
