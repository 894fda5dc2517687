package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Classification tells the retry policy whether a failure may succeed on a later attempt.
type Classification string

const (
	ClassRetryable Classification = "retryable"
	ClassFatal     Classification = "fatal"
)

// ErrTaskNotFound is returned when a task id is neither live nor recorded in history.
var ErrTaskNotFound = errors.New("task not found")

// classified is implemented by every error in the taxonomy.
type classified interface {
	error
	Class() Classification
	Remediation() string
}

// ValidationError rejects a request at submission. It is never retried.
type ValidationError struct {
	Field  string // Name of the offending field
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Class() Classification { return ClassFatal }

func (e *ValidationError) Remediation() string {
	return "correct the " + e.Field + " and submit again"
}

// NotFoundError is returned when the repository or one of its files does not exist.
type NotFoundError struct {
	Repo string // Repository identifier
	Path string // File path, empty when the whole repository is missing
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("file %s not found in repository %s", e.Path, e.Repo)
	}

	return fmt.Sprintf("repository %s not found", e.Repo)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Class() Classification { return ClassFatal }

func (e *NotFoundError) Remediation() string {
	return "verify the repository id and file names, private repositories need a token"
}

// AuthError represents authentication failures such as a missing or rejected token.
type AuthError struct {
	Operation string // The operation that required authentication
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Class() Classification { return ClassFatal }

func (e *AuthError) Remediation() string {
	return "check token permissions (HF_TOKEN needs read access)"
}

// GatedAccessError is returned for gated repositories the token has not been granted.
type GatedAccessError struct {
	Repo string
	Err  error
}

func (e *GatedAccessError) Error() string {
	return fmt.Sprintf("access to gated repository %s denied", e.Repo)
}

func (e *GatedAccessError) Unwrap() error { return e.Err }

func (e *GatedAccessError) Class() Classification { return ClassFatal }

func (e *GatedAccessError) Remediation() string {
	return "accept the repository license on the hub with the account that owns the token"
}

// InsufficientSpaceError is returned by the disk-space pre-check.
type InsufficientSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space on %s: required %s, available %s",
		e.Path, humanize.IBytes(uint64(e.Required)), humanize.IBytes(uint64(max(e.Available, 0))))
}

func (e *InsufficientSpaceError) Class() Classification { return ClassFatal }

func (e *InsufficientSpaceError) Remediation() string {
	missing := max(e.Required-e.Available, 0)

	return fmt.Sprintf("free disk space (at least %s) or choose another destination", humanize.IBytes(uint64(missing)))
}

// NetworkError represents transport failures and 5xx or 429 responses.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "list_files", "open_file")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Class() Classification { return ClassRetryable }

func (e *NetworkError) Remediation() string {
	return "check the network connection or switch to the mirror endpoint"
}

// TimeoutError is returned when a request or a stalled stream exceeds its deadline.
type TimeoutError struct {
	Operation string
	After     string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Class() Classification { return ClassRetryable }

func (e *TimeoutError) Remediation() string {
	return "check the network connection, the transfer resumes automatically"
}

// VerificationError reports a checksum mismatch for a single file.
type VerificationError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, short(e.Expected), short(e.Actual))
}

func (e *VerificationError) Class() Classification { return ClassRetryable }

func (e *VerificationError) Remediation() string {
	return "the file is downloaded again, check the disk if this repeats"
}

// TransferError wraps any failure the worker could not classify more precisely.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("transfer of %s failed: %v", e.Path, e.Err)
	}

	return fmt.Sprintf("transfer failed: %v", e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Class() Classification { return ClassRetryable }

func (e *TransferError) Remediation() string {
	return "retry the download, report the error if it persists"
}

// InvalidStateError is returned by control operations that do not apply to the current status.
type InvalidStateError struct {
	TaskID    TaskID
	Status    Status
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %d in status %s", e.Operation, e.TaskID, e.Status)
}

// Classify maps an error onto the retry classification. Unknown errors are retryable.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	var c classified
	if errors.As(err, &c) {
		return c.Class()
	}

	return ClassRetryable
}

// ErrorInfo is the persisted, user-facing form of a failure.
type ErrorInfo struct {
	Message        string         `json:"message"`
	Kind           string         `json:"kind"`
	Classification Classification `json:"classification"`
	Remediation    string         `json:"remediation,omitempty"`
}

// Describe converts an error into an ErrorInfo.
func Describe(err error) ErrorInfo {
	info := ErrorInfo{
		Message:        err.Error(),
		Kind:           "TransferError",
		Classification: Classify(err),
	}

	var c classified
	if errors.As(err, &c) {
		info.Remediation = c.Remediation()
		info.Kind = kindOf(c)
	}

	return info
}

func kindOf(err error) string {
	switch err.(type) {
	case *ValidationError:
		return "ValidationError"
	case *NotFoundError:
		return "NotFoundError"
	case *AuthError:
		return "AuthError"
	case *GatedAccessError:
		return "GatedAccessError"
	case *InsufficientSpaceError:
		return "InsufficientSpaceError"
	case *NetworkError:
		return "NetworkError"
	case *TimeoutError:
		return "TimeoutError"
	case *VerificationError:
		return "VerificationError"
	default:
		return "TransferError"
	}
}

func short(sum string) string {
	if len(sum) > 16 {
		return sum[:16] + "..."
	}

	return sum
}
