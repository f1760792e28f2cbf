package core

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
)

// StoreActionName is shared by keep and fileinto so that both deduplicate
// against each other.
const StoreActionName = "store"

// StoreAction stores the message into a mailbox.
type StoreAction struct {
	Mailbox string
	Flags   []imap.Flag
	Create  bool

	txn mail.MailboxTxn
}

func (a *StoreAction) Name() string { return StoreActionName }

func (a *StoreAction) CheckDuplicate(_ *result.Env, earlier result.Action) (bool, error) {
	prev, ok := earlier.(*StoreAction)
	return ok && sameMailbox(prev.Mailbox, a.Mailbox), nil
}

func sameMailbox(a, b string) bool {
	if strings.EqualFold(a, "INBOX") && strings.EqualFold(b, "INBOX") {
		return true
	}
	return a == b
}

func (a *StoreAction) Print(w io.Writer, _ *result.Env) {
	fmt.Fprintf(w, " * store message in folder: %s\n", helpers.StrSanitize(a.Mailbox, 80))
}

func (a *StoreAction) Start(ctx context.Context, env *result.Env) error {
	if env.Mail == nil || env.Mail.Storage == nil {
		return fmt.Errorf("%w: no mail storage", consts.ErrMailboxNotFound)
	}
	txn, err := env.Mail.Storage.Open(ctx, a.Mailbox, a.Create)
	if err != nil {
		env.Status.StoreFailed = true
		env.Status.LastStorageError = env.Mail.Storage.LastError()
		return fmt.Errorf("failed to open mailbox %q: %w", a.Mailbox, err)
	}
	a.txn = txn
	return nil
}

func (a *StoreAction) Execute(ctx context.Context, env *result.Env) error {
	if err := a.txn.Save(ctx, env.Msg, helpers.SanitizeFlags(a.Flags)); err != nil {
		env.Status.StoreFailed = true
		env.Status.LastStorageError = env.Mail.Storage.LastError()
		return fmt.Errorf("failed to store into mailbox %q: %w", a.Mailbox, err)
	}
	return nil
}

func (a *StoreAction) Commit(ctx context.Context, env *result.Env) error {
	if err := a.txn.Commit(ctx); err != nil {
		env.Status.StoreFailed = true
		env.Status.LastStorageError = env.Mail.Storage.LastError()
		return fmt.Errorf("failed to commit mailbox %q: %w", a.Mailbox, err)
	}
	env.Status.MessageSaved = true
	logger.Info("Sieve: stored message", "mailbox", a.Mailbox, "message_id", messageID(env))
	return nil
}

func (a *StoreAction) Rollback(ctx context.Context, env *result.Env) {
	if a.txn == nil {
		return
	}
	if err := a.txn.Rollback(ctx); err != nil {
		logger.Warn("Sieve: mailbox rollback failed", "mailbox", a.Mailbox, "error", err)
	}
	a.txn = nil
}

func messageID(env *result.Env) string {
	if env.Msg == nil {
		return ""
	}
	return env.Msg.ID
}

// ImplicitKeep returns the constructor of the implicit keep action.
func ImplicitKeep(env *mail.Environment) func() result.Action {
	return func() result.Action {
		return &StoreAction{Mailbox: env.Mailbox()}
	}
}

// DiscardAction cancels the implicit keep.
type DiscardAction struct{}

func (DiscardAction) Name() string { return "discard" }

func (DiscardAction) Print(w io.Writer, _ *result.Env) {
	fmt.Fprintf(w, " * discard\n")
}

func (DiscardAction) Execute(_ context.Context, env *result.Env) error {
	logger.Info("Sieve: marked message to be discarded if not explicitly delivered", "message_id", messageID(env))
	return nil
}

// RedirectAction forwards the message to another address.
type RedirectAction struct {
	Address string

	sub mail.Submission
}

func (a *RedirectAction) Name() string { return result.RedirectAction }

func (a *RedirectAction) CheckDuplicate(_ *result.Env, earlier result.Action) (bool, error) {
	prev, ok := earlier.(*RedirectAction)
	return ok && helpers.AddressEqual(prev.Address, a.Address), nil
}

func (a *RedirectAction) Print(w io.Writer, _ *result.Env) {
	fmt.Fprintf(w, " * redirect message to: %s\n", helpers.StrSanitize(a.Address, 80))
}

func (a *RedirectAction) Execute(ctx context.Context, env *result.Env) error {
	if env.Mail == nil || env.Mail.Submitter == nil {
		return consts.ErrSubmissionUnavailable
	}
	sender := ""
	if env.Msg != nil {
		sender = env.Msg.ReturnPath
	}
	sub, err := env.Mail.Submitter.Start(ctx, sender)
	if err != nil {
		return fmt.Errorf("%w: %v", result.ErrTemporary, err)
	}
	a.sub = sub
	if err := sub.AddRecipient(a.Address); err != nil {
		return err
	}
	if env.Msg != nil {
		if _, err := sub.Writer().Write(env.Msg.Raw); err != nil {
			return err
		}
	}
	return nil
}

func (a *RedirectAction) Commit(ctx context.Context, env *result.Env) error {
	res, err := a.sub.Finish(ctx)
	a.sub = nil
	if err := SubmitError(res, err); err != nil {
		return fmt.Errorf("failed to redirect message to <%s>: %w", a.Address, err)
	}
	env.Status.MessageForwarded = true
	logger.Info("Sieve: forwarded message", "to", a.Address, "message_id", messageID(env))
	return nil
}

func (a *RedirectAction) Rollback(context.Context, *result.Env) {
	if a.sub != nil {
		a.sub.Abort()
		a.sub = nil
	}
}

// SubmitError maps a submission outcome to an error. Temporary failures
// wrap result.ErrTemporary.
func SubmitError(res mail.SubmitResult, err error) error {
	switch res {
	case mail.SubmitOK:
		return nil
	case mail.SubmitTempFail:
		if err == nil {
			err = fmt.Errorf("temporary failure")
		}
		return fmt.Errorf("%w: %v", result.ErrTemporary, err)
	default:
		if err == nil {
			err = fmt.Errorf("permanent failure")
		}
		return err
	}
}
