package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"admissions/internal/core"
	applog "admissions/internal/log"
)

// sanitizeInput removes potentially dangerous characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	result := strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
	return result
}

// errorStatus maps a service error to a status code and a message that is
// safe to show. Validation errors carry their own message.
func errorStatus(err error) (int, string, string) {
	switch {
	case core.IsValidationError(err):
		return http.StatusUnprocessableEntity, err.Error(), applog.ErrorTypeValidation
	case errors.Is(err, core.ErrNoDataset):
		return http.StatusServiceUnavailable, "The dataset is not loaded yet. Try again shortly.", applog.ErrorTypeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "The request timed out.", applog.ErrorTypeTimeout
	default:
		return http.StatusInternalServerError, "Internal error.", applog.ErrorTypeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// isHTMX reports whether the request was sent by htmx.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// exportURL links the XLSX export of a rollup request.
func exportURL(keys []string, sortOn string) string {
	v := url.Values{}
	v.Set("keys", core.JoinKeyChain(keys))
	v.Set("sort", sortOn)
	return "/export/rollup.xlsx?" + v.Encode()
}

// exportFilename names an XLSX export after its key chain.
func exportFilename(keys []string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return -1
		}
	}, strings.Join(keys, "-"))
	if name == "" {
		name = "rollup"
	}
	return "rollup-" + name + ".xlsx"
}
