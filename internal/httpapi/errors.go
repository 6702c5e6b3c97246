package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ftpipe/internal/faults"
	"ftpipe/internal/registry"
	"ftpipe/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorBody(w, types.ErrorResponse{Error: msg, Code: status})
}

func writeErrorBody(w http.ResponseWriter, body types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody maps err onto a status code and payload.
func errorBody(err error) types.ErrorResponse {
	body := types.ErrorResponse{Error: err.Error(), Stage: faults.StageOf(err)}
	var re *faults.ResourceError
	var he HTTPError
	switch {
	case faults.IsConfig(err):
		body.Code = http.StatusBadRequest
	case errors.As(err, &re):
		body.Code = http.StatusInsufficientStorage
		body.Model = re.ModelID
	case faults.IsDependencyUnavailable(err):
		body.Code = http.StatusServiceUnavailable
	case registry.IsModelNotFound(err):
		body.Code = http.StatusNotFound
	case errors.As(err, &he):
		body.Code = he.StatusCode()
	default:
		body.Code = http.StatusInternalServerError
	}
	return body
}
