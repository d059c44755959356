package util

import (
	"errors"
	"fmt"
	"time"
)

// TransientError is a failure worth retrying: 429, 5xx gateway codes, timeouts, resets.
type TransientError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient: %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient: %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is any other non-2xx response or a request that cannot be built.
type PermanentError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("permanent: %s: %v", e.URL, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NotFoundError is a 404 on a request that opted in with AllowNotFound.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string { return "not found: " + e.URL }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
