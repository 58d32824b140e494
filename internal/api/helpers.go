package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/rules"
)

// getClientIP extracts the client IP from the request
// Respects X-Forwarded-For and X-Real-IP headers for proxy situations
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (comma-separated list, first is the client)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Details  string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	WriteJSON(w, code, resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// StatusFor maps a synchronizer error onto an HTTP status.
func StatusFor(err error) int {
	switch rules.Category(err) {
	case "duplicate":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "invalid":
		return http.StatusBadRequest
	case "max_rules":
		return http.StatusInsufficientStorage
	case "engine_rejected":
		return http.StatusUnprocessableEntity
	case "store_write", "conflict":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeOpError renders err as the localized notification for its category.
func writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	category := rules.Category(err)
	WriteJSON(w, StatusFor(err), ErrorResponse{
		Error:    i18n.Failure(i18n.GetPrinter(r.Context()), category, detailFor(err)),
		Category: category,
		Details:  err.Error(),
	})
}

func detailFor(err error) string {
	var de *rules.DuplicateError
	if errors.As(err, &de) {
		return de.Key.Value
	}
	var ve *rules.ValidationError
	if errors.As(err, &ve) {
		return fmt.Sprintf("%s %s", ve.Field, ve.Reason)
	}
	return err.Error()
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 1 {
		return 0, &rules.ValidationError{Field: "id", Value: r.PathValue("id"), Reason: "must be a positive integer"}
	}
	return id, nil
}
