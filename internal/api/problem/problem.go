// Package problem writes RFC 7807 error bodies.
package problem

import (
	"encoding/json"
	"net/http"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.fulfillment.bitcard.dev/"

	// RequestIDHeader carries the id stamped by the trace middleware.
	RequestIDHeader = "X-Request-ID"
)

// Details represents RFC 7807 Problem Details.
type Details struct {
	Type      string       `json:"type"`
	Title     string       `json:"title"`
	Status    int          `json:"status"`
	Detail    string       `json:"detail"`
	Instance  string       `json:"instance"`
	RequestID string       `json:"request_id"`
	Errors    []FieldError `json:"errors,omitempty"`
}

// FieldError names one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Write sends a problem response. An empty title defaults to the status text.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	WriteDetails(w, r, Details{Type: problemType, Title: title, Status: status, Detail: detail})
}

// WriteDetails fills Instance, RequestID and the defaults, then writes d.
func WriteDetails(w http.ResponseWriter, r *http.Request, d Details) {
	if d.Title == "" {
		d.Title = http.StatusText(d.Status)
	}
	if d.Type == "" {
		d.Type = "about:blank"
	}
	if r != nil && d.Instance == "" {
		d.Instance = r.URL.Path
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get(RequestIDHeader)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
