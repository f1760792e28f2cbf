// Package mailstore provides the mailbox backends keep and fileinto
// deliver into.
package mailstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/mail"
)

// StoredMessage is a message delivered into a Memory mailbox.
type StoredMessage struct {
	ID    string
	Raw   []byte
	Flags []imap.Flag
}

// Memory keeps delivered messages in process memory. INBOX always exists.
type Memory struct {
	// Strict makes opening a missing mailbox fail unless create is set.
	Strict bool
	// FailCommit makes commits into the named mailboxes fail.
	FailCommit map[string]error

	mu        sync.Mutex
	mailboxes map[string][]StoredMessage
	lastErr   string
}

func NewMemory(mailboxes ...string) *Memory {
	m := &Memory{mailboxes: map[string][]StoredMessage{"INBOX": nil}}
	for _, name := range mailboxes {
		m.mailboxes[name] = nil
	}
	return m
}

func (m *Memory) Open(_ context.Context, mailbox string, create bool) (mail.MailboxTxn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mailboxes[mailbox]; !ok {
		if m.Strict && !create {
			m.lastErr = fmt.Sprintf("Mailbox doesn't exist: %s", mailbox)
			metrics.MailStorageOperations.WithLabelValues("memory", "open", "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", consts.ErrMailboxNotFound, mailbox)
		}
		m.mailboxes[mailbox] = nil
	}
	metrics.MailStorageOperations.WithLabelValues("memory", "open", "success").Inc()
	return &memoryTxn{store: m, mailbox: mailbox}, nil
}

func (m *Memory) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Messages returns the messages delivered into mailbox.
func (m *Memory) Messages(mailbox string) []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredMessage(nil), m.mailboxes[mailbox]...)
}

// Mailboxes lists the mailboxes holding at least one message.
func (m *Memory) Mailboxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, msgs := range m.mailboxes {
		if len(msgs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type memoryTxn struct {
	store   *Memory
	mailbox string
	pending []StoredMessage
}

func (t *memoryTxn) Save(_ context.Context, msg *mail.MessageData, flags []imap.Flag) error {
	t.pending = append(t.pending, StoredMessage{
		ID:    msg.ID,
		Raw:   append([]byte(nil), msg.Raw...),
		Flags: append([]imap.Flag(nil), flags...),
	})
	return nil
}

func (t *memoryTxn) Commit(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if err, ok := t.store.FailCommit[t.mailbox]; ok {
		t.store.lastErr = err.Error()
		metrics.MailStorageOperations.WithLabelValues("memory", "commit", "error").Inc()
		return err
	}
	t.store.mailboxes[t.mailbox] = append(t.store.mailboxes[t.mailbox], t.pending...)
	t.pending = nil
	metrics.MailStorageOperations.WithLabelValues("memory", "commit", "success").Inc()
	return nil
}

func (t *memoryTxn) Rollback(_ context.Context) error {
	t.pending = nil
	return nil
}
