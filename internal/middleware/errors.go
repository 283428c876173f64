// Package middleware provides the gateway's HTTP middleware chain: CORS,
// body-limit, panic recovery, and request logging/metrics, grounded on
// infrastructure/middleware/{cors,bodylimit,recovery,logging,metrics}.go.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/helixgate/gateway/internal/svcerr"
)

// errorBody is the §6 wire shape: {"error": {"type", "message", "code"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// WriteError translates err to the gateway's wire error body. A
// *svcerr.ServiceError carries its own Kind/Code/HTTPStatus; any other
// error is wrapped as an internal server error so no raw Go error text
// ever reaches a client.
func WriteError(w http.ResponseWriter, err error) {
	se := svcerr.As(err)
	if se == nil {
		se = svcerr.Internal("internal server error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if se.HTTPStatus == http.StatusTooManyRequests || se.HTTPStatus == http.StatusServiceUnavailable {
		if retryAfter := retryAfterSeconds(se); retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
	w.WriteHeader(se.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Type:    string(se.Kind),
		Message: se.Message,
		Code:    string(se.Code),
	}})
}

// retryAfterSeconds derives a Retry-After value from a RateLimited
// error's reset_at detail, or a conservative default for no_capacity.
func retryAfterSeconds(se *svcerr.ServiceError) int64 {
	if resetAt, ok := se.Details["reset_at"].(int64); ok {
		if d := resetAt - time.Now().Unix(); d > 0 {
			return d
		}
	}
	if se.Code == svcerr.CodeDeadlineExceeded {
		return 5
	}
	return 0
}
