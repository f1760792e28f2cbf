package result

import "errors"

var (
	// ErrConflict is returned by Add when an action conflicts with an
	// earlier one.
	ErrConflict = errors.New("conflicting actions")
	// ErrLimit is returned by Add when a policy limit would be exceeded.
	ErrLimit = errors.New("action limit exceeded")
	// ErrRuntime marks script errors found while running, such as an
	// invalid address computed at run time. They are already reported.
	ErrRuntime = errors.New("script runtime error")
	// ErrTemporary marks failures that may succeed when retried.
	ErrTemporary = errors.New("temporary failure")
)

// Status is the outcome of an evaluation.
type Status int

const (
	StatusOK Status = iota
	StatusUserError
	StatusFailure
	StatusTempFailure
	StatusBinCorrupt
	StatusKeepFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUserError:
		return "user_error"
	case StatusFailure:
		return "failure"
	case StatusTempFailure:
		return "temp_failure"
	case StatusBinCorrupt:
		return "bin_corrupt"
	case StatusKeepFailed:
		return "keep_failed"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of two statuses.
func Worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusOK:
			return 0
		case StatusUserError:
			return 1
		case StatusFailure:
			return 2
		case StatusTempFailure:
			return 3
		case StatusBinCorrupt:
			return 4
		default:
			return 5
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// FromError maps an action error to a status.
func FromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLimit), errors.Is(err, ErrRuntime):
		return StatusUserError
	case errors.Is(err, ErrTemporary):
		return StatusTempFailure
	default:
		return StatusFailure
	}
}

// ExecStatus records what an execution did to the message.
type ExecStatus struct {
	MessageSaved     bool
	MessageForwarded bool
	TriedDefaultSave bool
	KeepOriginal     bool
	StoreFailed      bool
	LastStorageError string
}

// Reset clears the status before reuse.
func (s *ExecStatus) Reset() {
	if s != nil {
		*s = ExecStatus{}
	}
}
