package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime encoding failures
var (
	fallbackErrorResponse []byte
	fallbackTwiML         = []byte(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>We are having trouble right now. Please call back later.</Say><Hangup/></Response>`)
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
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

// writeTwiML writes a TwiML document. Twilio treats any non-2xx answer as an
// application error and plays its own message, so a render failure still
// answers 200 with a polite hangup.
func writeTwiML(w http.ResponseWriter, doc string, renderErr error) {
	body := []byte(doc)
	if renderErr != nil || doc == "" {
		slog.Error("Server.writeTwiML: failed to render TwiML", "error", renderErr)
		body = fallbackTwiML
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeTwiML: failed to write TwiML", "error", err)
	}
}
