package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for run handling.
var (
	// ErrAborted indicates the turn was cooperatively cancelled. Not
	// user-visible; the reply layer drops it.
	ErrAborted = errors.New("run aborted")

	// ErrRunTimeout indicates the run exceeded its wall-clock deadline.
	// Treated as rate-limit-adjacent by profile rotation.
	ErrRunTimeout = errors.New("run deadline exceeded")

	// ErrNoCredentials indicates no usable auth profile could be resolved.
	ErrNoCredentials = errors.New("no usable auth profile")
)

// FailureReason categorizes provider call failures for rotation and cooldown.
type FailureReason string

const (
	FailureAuth      FailureReason = "auth"
	FailureRateLimit FailureReason = "rate_limit"
	FailureTimeout   FailureReason = "timeout"
	FailureFormat    FailureReason = "format"
	FailureUnknown   FailureReason = "unknown"
)

// ClassifyFailure determines the failure reason from error content.
func ClassifyFailure(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, ErrRunTimeout) {
		return FailureTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return FailureTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "429") {
		return FailureRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailureAuth
	}

	if strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "schema") ||
		strings.Contains(errStr, "400") {
		return FailureFormat
	}

	return FailureUnknown
}

// IsContextOverflow matches provider error text reporting an exceeded context
// window. Overflows become a user-facing error reply, not a crash.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "context window") ||
		strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "maximum context") ||
		strings.Contains(errStr, "prompt is too long")
}

// CredentialError reports that a specific profile could not produce a usable
// credential.
type CredentialError struct {
	Provider  string
	ProfileID string
	Cause     error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential resolution failed for %s/%s: %v", e.Provider, e.ProfileID, e.Cause)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// FailoverError signals that profile rotation is exhausted for one model and
// the caller should retry against a configured fallback model.
type FailoverError struct {
	Reason    FailureReason
	Provider  string
	Model     string
	ProfileID string
	Status    int
	Cause     error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("failover [%s] provider=%s model=%s profile=%s: %v",
		e.Reason, e.Provider, e.Model, e.ProfileID, e.Cause)
}

func (e *FailoverError) Unwrap() error { return e.Cause }
