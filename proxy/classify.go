package proxy

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/cliproxy/relay/state"
)

// Kind is the coarse outcome of one upstream attempt.
type Kind int

const (
	// Request served.
	KindSuccess Kind = iota

	// Caller error (malformed request). Never retried, never cools a
	// target.
	KindClient

	// Target failure. Cools the target; retryability depends on the
	// failure class.
	KindFailure
)

var validationMarkers = []string{
	"validation_required",
	"verify your account",
	"validation_url",
}

var quotaMarkers = []string{
	"insufficient_quota",
	"quota exceeded",
	"quote_exceeded",
	"subscription quota",
	"quota limit",
	"quota refresh",
}

var authMarkers = []string{
	"auth_unavailable",
	"auth_not_found",
}

// errorBody is the common error envelope of the upstream dialects.
type errorBody struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// errorSummary flattens whatever error envelope the upstream returned into
// one lowercase string for marker matching.
func errorSummary(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Non-JSON bodies are matched as-is.
		return strings.ToLower(string(body))
	}

	parts := []string{parsed.Type, parsed.Message}
	if parsed.Error != nil {
		parts = append(parts, parsed.Error.Type, parsed.Error.Message)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// Classify buckets an upstream response. hasSignature tells whether the
// request carried a thinking signature, which turns certain hard failures
// into short signature cooldowns instead of client errors.
func Classify(statusCode int, body []byte, hasSignature bool) (Kind, state.FailureClass) {
	if statusCode >= 200 && statusCode < 300 {
		return KindSuccess, ""
	}

	summary := errorSummary(body)

	// Validation and quota markers refine the cooldown only for credential
	// failures. A quota marker on a plain 429 is rate limiting, not an
	// exhausted subscription, and stays in the transient bucket.
	if statusCode == 401 || statusCode == 403 || containsAny(summary, authMarkers) {
		if statusCode == 403 && containsAny(summary, validationMarkers) {
			return KindFailure, state.FailureValidation
		}
		if containsAny(summary, quotaMarkers) {
			return KindFailure, state.FailureQuota
		}
		return KindFailure, state.FailureAuth
	}

	if hasSignature && strings.Contains(summary, "signature") &&
		(statusCode == 400 || statusCode == 422 || statusCode == 500) {
		return KindFailure, state.FailureSignature
	}

	switch statusCode {
	case 429, 503:
		return KindFailure, state.FailureTransientHeavy
	case 408, 500, 502, 504:
		return KindFailure, state.FailureTransient
	case 400, 422:
		return KindClient, ""
	}

	if statusCode >= 500 {
		return KindFailure, state.FailureTransient
	}
	return KindClient, ""
}

// Retryable reports whether another target should be tried after a failure
// of the given class. Auth failures on 5xx responses are only retried when
// the gateway opts in, since those usually mean the instance itself is
// broken rather than the credential.
func Retryable(class state.FailureClass, statusCode int, retryAuthOn5xx bool) bool {
	if class == state.FailureAuth && statusCode >= 500 {
		return retryAuthOn5xx
	}
	return true
}

func containsAny(summary string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(summary, marker) {
			return true
		}
	}
	return false
}
