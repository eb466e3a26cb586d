package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with an explicit code
func respondError(w http.ResponseWriter, code, message string, statusCode int) {
	respondJSON(w, ErrorResponse{Error: message, Code: code}, statusCode)
}

// respondAppError maps an error onto a status and the JSON error body.
// Anything that is not an AppError is reported as an internal error without
// its message.
func respondAppError(w http.ResponseWriter, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		respondError(w, apperrors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
		return
	}

	status := statusFor(appErr.Code)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	respondJSON(w, ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Context,
	}, status)
}

// retryAfterSeconds is suggested to callers when a file or the remote store
// was not ready
const retryAfterSeconds = 5

func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeInvalidInput, apperrors.ErrCodeBadRequest:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeAlreadyTerminal,
		apperrors.ErrCodeInProgress,
		apperrors.ErrCodeFingerprintMismatch:
		return http.StatusConflict
	case apperrors.ErrCodeFileLocked:
		return http.StatusLocked
	case apperrors.ErrCodeFileNotReady:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeNotSteady, apperrors.ErrCodeTransientNetwork:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodePermanentRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body, rejecting unknown fields. An empty body is
// accepted only when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "invalid request body")
	}
	return nil
}

const maxBodyBytes = 4 << 20
