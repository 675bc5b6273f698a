package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// errorBody is the error payload shared by every middleware rejection.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, kind types.Kind, code, message string) {
	writeBody(w, types.HTTPStatus(kind), string(kind), code, message)
}

// writeErrorStatus writes a structured error with an explicit status code
// for statuses outside the kind mapping.
func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeBody(w, status, code, code, message)
}

func writeBody(w http.ResponseWriter, status int, kind, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var body errorBody
	body.Error.Kind = kind
	body.Error.Code = code
	body.Error.Message = message
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to encode error response")
	}
}
