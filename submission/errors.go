// Package submission sends the messages produced by redirect, reject and
// notify.
package submission

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sieve/sieve/mail"
)

// SubmitError carries whether a submission failure is permanent. Permanent
// failures (5xx replies, configuration errors) are not worth retrying;
// everything else is temporary.
type SubmitError struct {
	Err       error
	Permanent bool
}

func (e *SubmitError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var subErr *SubmitError
	if errors.As(err, &subErr) {
		return subErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Classify maps an error to a submission result.
func Classify(err error) mail.SubmitResult {
	switch {
	case err == nil:
		return mail.SubmitOK
	case IsPermanentError(err):
		return mail.SubmitPermFail
	default:
		return mail.SubmitTempFail
	}
}

func wrap(err error, format string) error {
	return &SubmitError{Err: fmt.Errorf(format+": %w", err), Permanent: IsPermanentError(err)}
}
