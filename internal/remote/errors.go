package remote

import (
	"errors"
	"strings"
)

// PermanentError marks a remote failure that retrying cannot fix, such as
// an operation the server rejected as structurally invalid. The worker
// rolls back the optimistic local write when it sees one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to mark it as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// permanentPatterns are server responses that indicate the operation can
// never succeed, no matter how often it is retried.
var permanentPatterns = []string{
	"no such mailbox",
	"mailbox does not exist",
	"mailbox doesn't exist",
	"invalid mailbox",
	"nonexistent",
	"no mailbox",
	"not found",
	"permission denied",
	"quota exceeded",
}

// IsPermanent reports whether an error is a permanent remote failure.
// Anything not recognizably permanent is treated as transient and retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
