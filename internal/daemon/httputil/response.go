// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil provides JSON response helpers shared by the API
// handlers. Errors serialise as {"error": {"code", "message", "details"}}
// with the code taken from the error category.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/runbeam/dispatch/pkg/errors"
)

// ErrorBody is the wire shape of an API error.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the category code, a human-readable message, and
// optional structured details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a structured error response for the given error,
// mapping its category to an HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	var nfe *errors.NotFoundError
	if errors.As(err, &nfe) {
		WriteJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Code:    "not_found",
			Message: err.Error(),
			Details: map[string]any{"resource": nfe.Resource, "id": nfe.ID},
		}})
		return
	}

	category := errors.CategoryOf(err)
	body := ErrorBody{Error: ErrorDetail{
		Code:    string(category),
		Message: err.Error(),
	}}

	var ve *errors.ValidationError
	if errors.As(err, &ve) && ve.Suggestion != "" {
		body.Error.Details = map[string]any{
			"field":      ve.Field,
			"suggestion": ve.Suggestion,
		}
	}

	WriteJSON(w, StatusFor(category), body)
}

// WriteErrorMessage writes a structured error response with an explicit
// status and code, for errors that do not carry a category.
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:    code,
		Message: message,
	}})
}

// StatusFor maps an error category to an HTTP status code.
func StatusFor(category errors.Category) int {
	switch category {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryHandlerNotFound:
		return http.StatusNotFound
	case errors.CategoryHandlerConflict, errors.CategoryConcurrencyConflict:
		return http.StatusConflict
	case errors.CategoryRateLimited:
		return http.StatusTooManyRequests
	case errors.CategoryCircuitOpen, errors.CategoryExecutorUnavailable:
		return http.StatusServiceUnavailable
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
