package repo

import "errors"

// Common errors returned by repository operations.
//
// These can be checked with errors.Is() for proper error handling:
//
//	if repo.IsRetryable(err) {
//	    // back off and try again
//	}
var (
	// ErrTransient is wrapped by network and transport failures while
	// cloning, fetching or pushing. Safe to retry with backoff.
	ErrTransient = errors.New("transient repository error")

	// ErrAuth is returned on credential or authorization failures
	// against the remote. Never retried.
	ErrAuth = errors.New("repository authorization failed")

	// ErrBlobNotFound is returned when a requested path does not exist
	// in the remote tree.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrTimeout is returned when a repository operation exceeds its
	// deadline.
	ErrTimeout = errors.New("repository operation timed out")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// IsFatal returns true if the error indicates a non-recoverable state
// requiring operator intervention rather than retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuth)
}
