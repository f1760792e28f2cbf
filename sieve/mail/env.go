package mail

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// MailStorage stores messages into mailboxes.
type MailStorage interface {
	// Open starts a delivery transaction for one mailbox. Missing mailboxes
	// are created when create is set.
	Open(ctx context.Context, mailbox string, create bool) (MailboxTxn, error)
	// LastError returns a description of the last failure that is safe to
	// show to the user.
	LastError() string
}

// MailboxTxn is a pending delivery into one mailbox.
type MailboxTxn interface {
	Save(ctx context.Context, msg *MessageData, flags []imap.Flag) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SubmitResult classifies the outcome of a submission.
type SubmitResult int

const (
	SubmitOK SubmitResult = iota
	SubmitTempFail
	SubmitPermFail
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitOK:
		return "ok"
	case SubmitTempFail:
		return "temporary_failure"
	case SubmitPermFail:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Submitter sends outgoing messages.
type Submitter interface {
	// Start begins a message from sender; empty means the null sender.
	Start(ctx context.Context, sender string) (Submission, error)
}

// Submission is one outgoing message being composed.
type Submission interface {
	AddRecipient(rcpt string) error
	Writer() io.Writer
	Finish(ctx context.Context) (SubmitResult, error)
	Abort()
}

// Settings provides configuration values to extensions.
type Settings interface {
	Get(key string) (string, bool)
}

// SettingsMap is a Settings backed by a map.
type SettingsMap map[string]string

func (m SettingsMap) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// SettingString returns a setting or def when unset or empty.
func SettingString(s Settings, key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.Get(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// SettingInt returns a numeric setting or def when unset or invalid.
func SettingInt(s Settings, key string, def int) int {
	v := SettingString(s, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SettingBool returns a boolean setting or def when unset or invalid.
func SettingBool(s Settings, key string, def bool) bool {
	v := SettingString(s, key, "")
	switch strings.ToLower(v) {
	case "yes", "true", "1", "on":
		return true
	case "no", "false", "0", "off":
		return false
	}
	return def
}

// Environment describes the user and the collaborators available to one
// evaluation.
type Environment struct {
	User           string
	UserEmail      string
	Hostname       string
	Postmaster     string
	DefaultMailbox string

	Storage   MailStorage
	Submitter Submitter
	Settings  Settings
}

// Mailbox returns the default mailbox name.
func (e *Environment) Mailbox() string {
	if e.DefaultMailbox == "" {
		return "INBOX"
	}
	return e.DefaultMailbox
}
