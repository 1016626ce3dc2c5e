package authapi

import (
	"encoding/json"
	goerr "errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/logger"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Status   int            `json:"status"`
	ErrorKey string         `json:"errorKey"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("cannot encode response body: %v", err)
	}
}

// writeError translates a typed platform error to the wire. Anything
// unexpected becomes an opaque 500 carrying only a reference id; the
// details stay in the server log.
func writeError(w http.ResponseWriter, err error) {
	var platformErr *errors.Error
	if goerr.As(err, &platformErr) && !errors.IsInternal(err) {
		status := platformErr.HTTPStatus()
		key := platformErr.Code
		if key == "" {
			key = platformErr.Type
		}
		writeJSON(w, status, errorBody{
			Status:   status,
			ErrorKey: key,
			Message:  platformErr.Message,
			Data:     platformErr.Data,
		})
		return
	}

	ref := uuid.NewString()
	logger.Errorw("internal error on auth surface", "ref", ref, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Status:   http.StatusInternalServerError,
		ErrorKey: "INTERNAL_ERROR",
		Message:  "internal error, reference " + ref,
	})
}

func writeRateLimited(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Status:   http.StatusTooManyRequests,
		ErrorKey: "RATE_LIMITED",
		Message:  "too many attempts, slow down",
	})
}
