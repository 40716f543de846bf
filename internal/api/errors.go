package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"teamwire/internal/domain"
)

const maxErrorBody = 4096

// statusError maps a non-2xx response to the client error taxonomy. The
// caller closes resp.Body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &domain.AuthError{Status: resp.StatusCode, Message: msg}
	}
	return &domain.ServerError{Status: resp.StatusCode, Message: msg}
}

// errorMessage extracts {"error": "..."} or {"message": "..."} and falls back
// to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}
