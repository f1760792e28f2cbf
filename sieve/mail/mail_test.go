package mail

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: =?UTF-8?B?SGVsbG8gd8O2cmxk?=\r\n" +
	"Received: one\r\n" +
	"Received: two\r\n" +
	"Message-ID: <1@example.com>\r\n" +
	"\r\n" +
	"Body text\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(testMessage), Envelope{ReturnPath: "alice@example.com", To: "bob@example.org"})
	require.NoError(t, err)

	assert.Equal(t, "<1@example.com>", msg.ID)
	assert.Equal(t, "bob@example.org", msg.OrigTo)
	assert.Equal(t, int64(len(testMessage)), msg.Size)
	assert.Equal(t, "Hello wörld", msg.Subject())
	assert.Equal(t, []string{"one", "two"}, msg.HeaderValues("received"))
	assert.True(t, msg.HasHeader("to"))
	assert.False(t, msg.HasHeader("cc"))
	assert.Nil(t, msg.HeaderValues("cc"))
	assert.Equal(t, "Body text\r\n", string(msg.Body()))

	e, err := msg.Entity()
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", e.Header.Get("To"))
}

func TestSettings(t *testing.T) {
	s := SettingsMap{"num": "12", "bad": "x", "flag": "yes", "empty": " "}
	assert.Equal(t, 12, SettingInt(s, "num", 3))
	assert.Equal(t, 3, SettingInt(s, "bad", 3))
	assert.True(t, SettingBool(s, "flag", false))
	assert.Equal(t, "def", SettingString(s, "empty", "def"))
	assert.Equal(t, "def", SettingString(nil, "num", "def"))
}

func TestEnvironmentMailbox(t *testing.T) {
	assert.Equal(t, "INBOX", (&Environment{}).Mailbox())
	assert.Equal(t, "Mail", (&Environment{DefaultMailbox: "Mail"}).Mailbox())
}

func TestOutgoingRender(t *testing.T) {
	out := &Outgoing{
		From:          "Postmaster <postmaster@example.com>",
		To:            []string{"alice@example.com"},
		Subject:       "Notice",
		InReplyTo:     "<1@example.com>",
		AutoSubmitted: "auto-notified",
		Body:          "line one\nline two",
		Date:          time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	var buf bytes.Buffer
	require.NoError(t, out.Render(&buf))

	text := buf.String()
	assert.Contains(t, text, "From: \"Postmaster\" <postmaster@example.com>\r\n")
	assert.Contains(t, text, "Auto-Submitted: auto-notified\r\n")
	assert.Contains(t, text, "References: <1@example.com>\r\n")
	assert.Contains(t, text, "charset=us-ascii")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\nline one\r\nline two\r\n"), "message: %q", text)

	msg, err := ParseMessage(buf.Bytes(), Envelope{})
	require.NoError(t, err)
	assert.Equal(t, "Notice", msg.Subject())
	assert.True(t, msg.HasHeader("message-id"))
}
