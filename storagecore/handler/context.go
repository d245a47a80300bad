package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
)

// Context is the per-request context handed to API handlers.
type Context struct {
	context.Context

	Store   datastore.Store
	Request *http.Request

	StatusCode int
}

// WithContext builds the handler context for a request.
func WithContext(r *http.Request) *Context {
	return &Context{
		Context: r.Context(),
		Store:   datastore.GetStore(),
		Request: r,
	}
}

// statusFor maps application error codes onto HTTP statuses.
func statusFor(err error) int {
	switch common.ErrorCode(err) {
	case common.ErrNotFound:
		return http.StatusNotFound
	case common.ErrPermissionDenied:
		return http.StatusForbidden
	case common.ErrInvalidParameters, "invalid_request":
		return http.StatusBadRequest
	case common.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	case common.ErrDuplicateRequest, common.ErrAlreadyDecided:
		return http.StatusConflict
	case common.ErrNoLocationConfigured, common.ErrLocationDisabled, common.ErrAmbiguousLocation:
		return http.StatusConflict
	case common.ErrBackendUnavailable:
		return http.StatusBadGateway
	case common.ErrTimeout:
		return http.StatusGatewayTimeout
	case common.ErrChecksumMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WithJSON wraps a handler to emit JSON bodies and JSON-encoded application
// errors.
func WithJSON(handler func(ctx *Context) (interface{}, error)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := WithContext(r)
		result, err := handler(ctx)

		w.Header().Set("Content-Type", "application/json")

		if err != nil {
			statusCode := ctx.StatusCode
			if statusCode == 0 {
				statusCode = statusFor(err)
			}
			var body []byte
			if cerr, ok := err.(*common.Error); ok {
				body, _ = json.Marshal(cerr)
			} else {
				body, _ = json.Marshal(common.NewError(common.ErrInternal, err.Error()))
			}
			http.Error(w, string(body), statusCode)
			return
		}

		statusCode := ctx.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		w.WriteHeader(statusCode)
		if result != nil {
			json.NewEncoder(w).Encode(result) //nolint
		}
	}
}
