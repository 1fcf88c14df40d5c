package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still produce a clean 500.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusForError picks. Internal errors
// are logged and replaced with a generic message.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn("Server."+op+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
