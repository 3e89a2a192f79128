// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope: the domain error kind plus a
// human-readable message.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusFor maps domain error kinds onto HTTP status codes. Transport
// concerns stay here; the domain never sees HTTP.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict, model.KindImageNotReady, model.KindTerminal:
		return http.StatusConflict
	case model.KindBadFormat:
		return http.StatusBadRequest
	case model.KindSystemNotReady:
		return http.StatusServiceUnavailable
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a domain error. Internal details are logged, not
// leaked, for 5xx responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	code := statusFor(kind)

	body := errorBody{Error: string(kind)}
	if code < http.StatusInternalServerError {
		body.Detail = err.Error()
	} else {
		log.FromContext(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, code, body)
}
