package httpapi

import (
	"encoding/json"
	"net/http"
)

// Result response envelope shared with the dashboard client
// - code: 2000 on success, -1 on error
// - type: 'success' | 'error'
// - message: string
// - result: payload
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// FailWithReason error envelope carrying a machine-readable reason label
func FailWithReason(message, reason string) Result[map[string]string] {
	return Result[map[string]string]{
		Code:    ResultError,
		Type:    "error",
		Message: message,
		Result:  map[string]string{"reason": reason},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
