package api

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// Error codes carried in the response envelope.
const (
	codeValidation       = "VALIDATION_ERROR"
	codeFactoryNotFound  = "FACTORY_NOT_FOUND"
	codeGatewayNotFound  = "GATEWAY_NOT_FOUND"
	codeRateLimited      = "RATE_LIMITED"
	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL_ERROR"
)

type errorBody struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	StatusCode int               `json:"statusCode"`
	Details    map[string]string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:       code,
		Message:    message,
		StatusCode: status,
		Details:    details,
	}})
}

// decodeBody parses a JSON request body into dst. On failure it writes the
// validation envelope and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "Request body is not valid JSON", nil)
		return false
	}
	return true
}
