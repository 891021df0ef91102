package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/crafter-station/cadence-sub000/internal/adapters/http/dto"
	"github.com/crafter-station/cadence-sub000/internal/domain"
)

const maxRequestBody = 1 << 20

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("http: failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, errorType string, message string, status int) {
	respondJSON(w, dto.NewErrorResponse(errorType, message, status), status)
}

// respondDomainError maps the domain error taxonomy onto HTTP statuses
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		resp := dto.NewErrorResponse("validation_error", ve.Error(), http.StatusBadRequest)
		resp.Field = ve.Field
		respondJSON(w, resp, http.StatusBadRequest)
	case domain.IsValidation(err):
		respondError(w, "validation_error", err.Error(), http.StatusBadRequest)
	case domain.IsNotFound(err):
		respondError(w, "not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidState):
		respondError(w, "invalid_state", err.Error(), http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), "http: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		respondError(w, "internal_error", "Internal server error", http.StatusInternalServerError)
	}
}

func parseIntQuery(r *http.Request, key string, defaultValue int) int {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}
	return value
}

func validateURLParam(r *http.Request, w http.ResponseWriter, paramName, displayName string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, "validation_error", displayName+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

// decodeJSON reads a size-limited JSON body into T
func decodeJSON[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			respondError(w, "validation_error", "Request body is required", http.StatusBadRequest)
			return nil, false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "validation_error", "Request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		respondError(w, "validation_error", fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
