package middleware

import (
	"net/http"

	"github.com/helixgate/gateway/internal/svcerr"
)

// DefaultMaxRequestBodyBytes caps chat-completion request bodies; grounded
// on infrastructure/middleware/bodylimit.go's 8MiB default.
const DefaultMaxRequestBodyBytes int64 = 8 << 20

// BodyLimit caps request bodies to maxBytes (DefaultMaxRequestBodyBytes
// when <= 0), applying http.MaxBytesReader so decoders cannot read past
// the limit even if Content-Length was absent or wrong.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, svcerr.InvalidRequest(svcerr.CodeInvalidField, "request body too large"))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
