package mailstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/config"
)

func TestIsTryCreate(t *testing.T) {
	assert.True(t, isTryCreate(&imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate}))
	assert.True(t, isTryCreate(fmt.Errorf("append: %w", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent})))
	assert.True(t, isTryCreate(errors.New("NO [TRYCREATE] no such mailbox")))
	assert.False(t, isTryCreate(&imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeOverQuota}))
}

func TestUserError(t *testing.T) {
	assert.Equal(t, "Quota exceeded", userError(&imap.Error{Type: imap.StatusResponseTypeNo, Text: "Quota exceeded"}))
	assert.Contains(t, userError(errors.New("dial tcp: refused")), "Internal error")
}

func TestIMAPCommitWithoutMessages(t *testing.T) {
	s := NewIMAPStorage(&config.MailStorageConfig{Addr: "127.0.0.1:1"}, "user")
	txn, err := s.Open(context.Background(), "INBOX", false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(context.Background()))
	assert.Empty(t, s.LastError())
}

func TestIMAPCommitUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewIMAPStorage(&config.MailStorageConfig{Addr: addr}, "user")
	txn, err := s.Open(context.Background(), "INBOX", false)
	require.NoError(t, err)
	require.NoError(t, txn.Save(context.Background(), testMessage(t), nil))

	err = txn.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, s.LastError(), "Internal error")
}

// TestIMAPAppendLive delivers into a real IMAP server. It needs
// SIEVE_TEST_IMAP_ADDR, SIEVE_TEST_IMAP_USER and SIEVE_TEST_IMAP_PASSWORD.
func TestIMAPAppendLive(t *testing.T) {
	addr := os.Getenv("SIEVE_TEST_IMAP_ADDR")
	if addr == "" {
		t.Skip("SIEVE_TEST_IMAP_ADDR not set")
	}
	cfg := &config.MailStorageConfig{
		Addr:           addr,
		MasterUser:     os.Getenv("SIEVE_TEST_IMAP_MASTER_USER"),
		MasterPassword: os.Getenv("SIEVE_TEST_IMAP_PASSWORD"),
		CreateMailbox:  true,
	}
	s := NewIMAPStorage(cfg, os.Getenv("SIEVE_TEST_IMAP_USER"))

	ctx := context.Background()
	mailbox := fmt.Sprintf("sieve-test-%d", time.Now().UnixNano())
	txn, err := s.Open(ctx, mailbox, true)
	require.NoError(t, err)
	require.NoError(t, txn.Save(ctx, testMessage(t), []imap.Flag{imap.FlagSeen}))
	require.NoError(t, txn.Commit(ctx), s.LastError())
}
