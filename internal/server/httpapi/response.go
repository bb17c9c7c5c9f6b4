package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"sessionguard/internal/authn"
)

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the error payload. Only the code and its generic message leave
// the process; the cause is logged.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error, now time.Time) {
	var aerr *authn.Error
	if !errors.As(err, &aerr) {
		log.Error().Err(err).Msg("http: unclassified error")
		aerr = authn.NewError(authn.CodeInternal, err)
	}
	body := errorResponse{
		Error:     string(aerr.Code),
		Message:   aerr.Message,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if secs := aerr.RetryAfterSeconds(); secs > 0 {
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, aerr.HTTPStatus(), body)
}
