package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Wire error codes the REST surface emits.
const (
	codeBadRequest       = "bad_request"
	codeDuplicateUser    = "duplicate_user"
	codeUnauthorized     = "unauthorized"
	codeRateLimited      = "rate_limited"
	codeQueueDuplicate   = "queue_duplicate"
	codeQueueNotFound    = "queue_not_found"
	codeNotFound         = "not_found"
	codeLeaderboardRange = "leaderboard_range"
	codeInternalError    = "internal_error"
)

// statusForCode maps a domain error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case codeBadRequest, codeLeaderboardRange:
		return http.StatusBadRequest
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeQueueNotFound, codeNotFound:
		return http.StatusNotFound
	case codeQueueDuplicate, codeDuplicateUser:
		return http.StatusConflict
	case codeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

type apiMeta struct {
	Timestamp string `json:"timestamp"`
}

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *apiError `json:"error"`
	Meta    apiMeta   `json:"meta"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, code, message string) {
	writeEnvelope(w, statusForCode(code), apiResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, resp apiResponse) {
	resp.Meta.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "arenaserver")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("writing response envelope", "error", err)
	}
}
