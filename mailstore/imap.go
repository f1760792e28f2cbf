package mailstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/mail"
)

// IMAPStorage appends messages to a user's mailboxes on an IMAP server,
// authenticating as a master user on behalf of the recipient. Messages
// are only uploaded on commit.
type IMAPStorage struct {
	cfg  *config.MailStorageConfig
	user string

	mu      sync.Mutex
	lastErr string
}

func NewIMAPStorage(cfg *config.MailStorageConfig, user string) *IMAPStorage {
	return &IMAPStorage{cfg: cfg, user: user}
}

func (s *IMAPStorage) Open(_ context.Context, mailbox string, create bool) (mail.MailboxTxn, error) {
	return &imapTxn{store: s, mailbox: mailbox, create: create || s.cfg.CreateMailbox}, nil
}

func (s *IMAPStorage) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *IMAPStorage) fail(op string, err error) error {
	s.mu.Lock()
	s.lastErr = userError(err)
	s.mu.Unlock()
	metrics.MailStorageOperations.WithLabelValues("imap", op, "error").Inc()
	return err
}

// userError strips everything but the server's response text.
func userError(err error) string {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return imapErr.Text
	}
	return "Internal error occurred. Refer to server log for more information."
}

func (s *IMAPStorage) dial() (*imapclient.Client, error) {
	opts := &imapclient.Options{}
	var (
		c   *imapclient.Client
		err error
	)
	if s.cfg.TLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: !s.cfg.TLSVerify}
		c, err = imapclient.DialTLS(s.cfg.Addr, opts)
	} else {
		c, err = imapclient.DialInsecure(s.cfg.Addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", s.cfg.Addr, err)
	}

	var authErr error
	if s.cfg.MasterUser != "" {
		authErr = c.Authenticate(sasl.NewPlainClient(s.user, s.cfg.MasterUser, s.cfg.MasterPassword))
	} else {
		authErr = c.Login(s.user, s.cfg.MasterPassword).Wait()
	}
	if authErr != nil {
		c.Close()
		return nil, fmt.Errorf("IMAP authentication failed for %s: %w", s.user, authErr)
	}
	return c, nil
}

type pendingMessage struct {
	raw   []byte
	flags []imap.Flag
}

type imapTxn struct {
	store   *IMAPStorage
	mailbox string
	create  bool
	pending []pendingMessage
}

func (t *imapTxn) Save(_ context.Context, msg *mail.MessageData, flags []imap.Flag) error {
	t.pending = append(t.pending, pendingMessage{raw: msg.Raw, flags: flags})
	return nil
}

func (t *imapTxn) Commit(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	c, err := t.store.dial()
	if err != nil {
		return t.store.fail("commit", err)
	}
	defer func() {
		if err := c.Logout().Wait(); err != nil {
			logger.Debug("IMAP: logout failed", "user", t.store.user, "error", err)
		}
	}()

	for _, p := range t.pending {
		err := t.append(c, p)
		if err != nil && t.create && isTryCreate(err) {
			if cerr := c.Create(t.mailbox, nil).Wait(); cerr != nil {
				return t.store.fail("create", fmt.Errorf("failed to create mailbox %q: %w", t.mailbox, cerr))
			}
			err = t.append(c, p)
		}
		if err != nil {
			return t.store.fail("commit", fmt.Errorf("failed to append to %q: %w", t.mailbox, err))
		}
	}
	t.pending = nil
	metrics.MailStorageOperations.WithLabelValues("imap", "commit", "success").Inc()
	return nil
}

func (t *imapTxn) append(c *imapclient.Client, p pendingMessage) error {
	cmd := c.Append(t.mailbox, int64(len(p.raw)), &imap.AppendOptions{
		Flags: p.flags,
		Time:  time.Now(),
	})
	if _, err := cmd.Write(p.raw); err != nil {
		cmd.Close()
		return err
	}
	if err := cmd.Close(); err != nil {
		return err
	}
	_, err := cmd.Wait()
	return err
}

func isTryCreate(err error) bool {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return imapErr.Code == imap.ResponseCodeTryCreate || imapErr.Code == imap.ResponseCodeNonExistent
	}
	return strings.Contains(strings.ToUpper(err.Error()), "TRYCREATE")
}

func (t *imapTxn) Rollback(_ context.Context) error {
	t.pending = nil
	return nil
}
