package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/botcore/internal/boterrs"
	"github.com/basket/botcore/internal/contextstore"
	"github.com/basket/botcore/internal/dispatch"
	"github.com/basket/botcore/internal/statestore"
)

// errorResponse is the machine-readable body every error response carries
// (spec §7): a stable error_code plus a human-readable message.
type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// writeError translates err to a status code per the spec §7 table and
// writes it as an errorResponse body. Handlers that already know their
// status (e.g. request body validation) should call writeErrorCode
// directly instead of routing a constructed error back through here.
func writeError(w http.ResponseWriter, err error) {
	writeErrorCode(w, statusFor(err), string(codeFor(err)), err.Error())
}

// fail is writeError plus a warning log for anything that mapped to a
// 5xx, since those indicate an internal fault rather than a caller
// mistake and are worth surfacing outside the response body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	writeErrorCode(w, status, string(codeFor(err)), err.Error())
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.Warn("adminapi: request failed", "path", r.URL.Path, "method", r.Method, "error", err)
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{ErrorCode: code, Message: message})
}

// codeFor maps err to the stable error_code surfaced in the response body.
func codeFor(err error) boterrs.Code {
	if code := boterrs.CodeOf(err); code != boterrs.CodeInternal {
		return code
	}
	switch {
	case errors.Is(err, statestore.ErrNotFound), errors.Is(err, contextstore.ErrNotFound):
		return boterrs.CodeNotFound
	case errors.Is(err, statestore.ErrConflict):
		return boterrs.CodeConflict
	case errors.Is(err, dispatch.ErrNoCapableInstance):
		return boterrs.CodeNoCapableInstance
	case errors.Is(err, dispatch.ErrInstanceGone):
		return boterrs.CodeInstanceGone
	case errors.Is(err, dispatch.ErrTimeout):
		return boterrs.CodeTimeout
	case errors.Is(err, dispatch.ErrCancelled):
		return boterrs.CodeCancelled
	default:
		return boterrs.CodeInternal
	}
}

// statusFor implements the exact HTTP status mapping from spec §7.
func statusFor(err error) int {
	switch codeFor(err) {
	case boterrs.CodeAuthError:
		return http.StatusUnauthorized
	case boterrs.CodeInvalidArgument:
		return http.StatusBadRequest
	case boterrs.CodeNotFound:
		return http.StatusNotFound
	case boterrs.CodeConflict:
		return http.StatusConflict
	case boterrs.CodeNoCapableInstance:
		return http.StatusServiceUnavailable
	case boterrs.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
