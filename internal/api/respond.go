package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/merr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to encode response body")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError renders err as a JSON error body, choosing the status code from
// its merr.Kind when present and falling back to 500 for anything else.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var e *merr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case merr.KindInputInvalid:
		return http.StatusBadRequest
	case merr.KindNotFound:
		return http.StatusNotFound
	case merr.KindConflict:
		return http.StatusConflict
	case merr.KindNoCapacity:
		return http.StatusInsufficientStorage
	case merr.KindHostUnreachable, merr.KindTimeout:
		return http.StatusGatewayTimeout
	case merr.KindAuthFailed:
		return http.StatusUnauthorized
	case merr.KindRemoteCommandFailed, merr.KindHypervisorError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return merr.InputInvalid("invalid request body: %v", err)
	}
	return nil
}
