// Package apierror renders gateway failures as the JSON envelope that
// agentconfig.Client decodes back into *core.Error.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-clone/pkg/core"
)

// Envelope is the body of every error response: {"error": {...}}.
type Envelope struct {
	Error *core.Error `json:"error"`
}

// statusByType maps the taxonomy onto HTTP. Vendor-side failures surface as
// 502; a gateway that lacks its agent id is a server fault.
var statusByType = map[core.ErrorType]int{
	core.ErrInvalidRequest: http.StatusBadRequest,
	core.ErrNotFound:       http.StatusNotFound,
	core.ErrRateLimit:      http.StatusTooManyRequests,
	core.ErrConfiguration:  http.StatusInternalServerError,
	core.ErrTransport:      http.StatusBadGateway,
	core.ErrReconnect:      http.StatusBadGateway,
	core.ErrAPI:            http.StatusBadGateway,
}

// FromError returns a copy of err as a *core.Error stamped with requestID,
// and the status to send it with. Errors outside the taxonomy become an
// opaque internal error.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var out core.Error
	status := http.StatusInternalServerError
	var ce *core.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out = core.Error{Type: core.ErrAPI, Message: "request timeout"}
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		out = core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"}
		status = http.StatusRequestTimeout
	case errors.As(err, &ce) && ce != nil:
		out = *ce
		if s, ok := statusByType[ce.Type]; ok {
			status = s
		}
	default:
		out = core.Error{Type: core.ErrAPI, Message: "internal error"}
	}
	out.RequestID = requestID
	return &out, status
}

// Write sends err as an Envelope. A non-zero status overrides the one derived
// from the error type. HEAD responses carry headers only. Error bodies are
// never cached, since they can change as soon as the gateway is configured.
func Write(w http.ResponseWriter, r *http.Request, requestID string, err error, status int) {
	ce, derived := FromError(err, requestID)
	if ce == nil {
		ce, derived = FromError(errors.New("nil error"), requestID)
	}
	if status == 0 {
		status = derived
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r != nil && r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}
