package consts

import "errors"

var (
	ErrParseFailed      = errors.New("parse failed")
	ErrValidationFailed = errors.New("validation failed")
	ErrGenerationFailed = errors.New("code generation failed")
	ErrInternalError    = errors.New("internal error")

	ErrScriptNotFound    = errors.New("script not found")
	ErrInvalidScriptName = errors.New("invalid script name")
	ErrScriptTooLarge    = errors.New("script too large")

	ErrBinaryNotFound = errors.New("binary not found")
	ErrBinarySave     = errors.New("binary could not be saved")

	ErrMailboxNotFound  = errors.New("mailbox not found")
	ErrMalformedMessage = errors.New("malformed message")
	ErrNotPermitted     = errors.New("operation not permitted")

	ErrDBNotFound = errors.New("not found")

	ErrS3UploadFailed = errors.New("s3 upload failed")

	ErrSubmissionUnavailable = errors.New("mail submission not available")
)
