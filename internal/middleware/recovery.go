package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/helixgate/gateway/internal/logging"
	"github.com/helixgate/gateway/internal/svcerr"
)

// Recovery catches panics from downstream handlers so one bad request
// never takes down the listener, grounded on
// infrastructure/middleware/recovery.go.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithContext(r.Context()).WithField("panic", fmt.Sprintf("%v", rec)).
						WithField("stack", string(debug.Stack())).
						WithField("path", r.URL.Path).
						Error("panic recovered in http handler")
					WriteError(w, svcerr.Internal("internal server error", fmt.Errorf("%v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
