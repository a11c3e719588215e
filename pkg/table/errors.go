package table

import "github.com/juju/errors"

const (
	// ErrTransportUnavailable is returned once retries against an
	// unreachable log are exhausted.
	ErrTransportUnavailable = errors.ConstError("table: log transport unavailable")

	// ErrDecodeFailure reports a malformed log record when decode failures
	// are configured to be fatal.
	ErrDecodeFailure = errors.ConstError("table: undecodable log record")

	// ErrNotInitialized is returned by operations issued before Init
	// completed or after Close.
	ErrNotInitialized = errors.ConstError("table: not initialized")

	// ErrCatchUpCancelled is returned by Init when Close interrupted it.
	ErrCatchUpCancelled = errors.ConstError("table: catch-up cancelled")

	ErrInitInProgress = errors.ConstError("table: init already in progress")

	// ErrEpochChanged is returned by SetSchema for metadata that would move
	// the table to another topic.
	ErrEpochChanged = errors.ConstError("table: epoch changed")
)
