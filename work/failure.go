package work

import "errors"

// terminalError marks a handler error as non-retryable. Wrapping keeps
// the cause reachable through errors.Is / errors.As.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }

func (t *terminalError) Unwrap() error { return t.err }

// Terminal wraps err so the executor marks the item failed immediately
// instead of scheduling a retry. Use it for errors that cannot succeed
// on a second attempt, such as a payload that fails validation.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was wrapped with [Terminal]. Errors
// without the wrapper are treated as retryable.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
