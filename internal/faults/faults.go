// Package faults defines the error classes shared by every training component.
// Call sites wrap one of these sentinels with fmt.Errorf("%w: ...") and callers
// classify with errors.Is.
package faults

import "errors"

// #region sentinels
var (
	// ErrConfiguration marks invalid, missing, or mutually exclusive options.
	ErrConfiguration = errors.New("configuration error")

	// ErrData marks malformed input rows (corpus, alignments, vocabularies, decoder output).
	ErrData = errors.New("data error")

	// ErrIO marks checkpoint or synchronization I/O failures. It is the only retried class.
	ErrIO = errors.New("io error")

	// ErrTypeMismatch marks a vector operator applied to a non-vector or non-numeric operand.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrArithmetic marks an invalid arithmetic operation such as division by zero.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrAborted is returned to every participant once any participant aborts the run.
	ErrAborted = errors.New("run aborted")
)
// #endregion sentinels

// #region helpers

// Retryable reports whether err belongs to the transient I/O class.
func Retryable(err error) bool {
	return err != nil && errors.Is(err, ErrIO) && !errors.Is(err, ErrAborted)
}

// #endregion helpers
