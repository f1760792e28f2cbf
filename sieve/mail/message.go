// Package mail holds the message view seen by scripts, the script
// environment and the collaborator interfaces used to carry out actions.
package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/helpers"
)

// Envelope is the SMTP envelope of a delivery.
type Envelope struct {
	// ReturnPath is the envelope sender; empty means the null sender.
	ReturnPath string
	// To is the final envelope recipient.
	To string
	// OrigTo is the original envelope recipient before aliasing.
	OrigTo   string
	AuthUser string
}

// MessageData is a read-only view of the message under evaluation.
type MessageData struct {
	Envelope
	ID     string
	Raw    []byte
	Header textproto.Header
	Size   int64
}

var wordDecoder = &mime.WordDecoder{CharsetReader: message.CharsetReader}

// ParseMessage parses the header of raw and binds it to an envelope.
func ParseMessage(raw []byte, env Envelope) (*MessageData, error) {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	m := &MessageData{
		Envelope: env,
		Raw:      raw,
		Header:   hdr,
		Size:     int64(len(raw)),
	}
	m.ID = strings.TrimSpace(hdr.Get("Message-Id"))
	if m.OrigTo == "" {
		m.OrigTo = m.To
	}
	return m, nil
}

// HeaderValues returns the decoded values of every field with the given
// name, in message order. Leading and trailing whitespace is removed.
func (m *MessageData) HeaderValues(name string) []string {
	raw := m.Header.Values(name)
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, decodeHeader(v))
	}
	return out
}

// HasHeader reports whether the message has a field with the given name.
func (m *MessageData) HasHeader(name string) bool {
	return m.Header.Has(name)
}

// Subject returns the decoded subject.
func (m *MessageData) Subject() string {
	vals := m.HeaderValues("Subject")
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Entity parses the full message. Every call returns an independent
// entity since reading a body consumes it.
func (m *MessageData) Entity() (*message.Entity, error) {
	e, err := helpers.ReadEntity(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return e, nil
}

// Body returns the undecoded body following the header.
func (m *MessageData) Body() []byte {
	if i := bytes.Index(m.Raw, []byte("\r\n\r\n")); i >= 0 {
		return m.Raw[i+4:]
	}
	if i := bytes.Index(m.Raw, []byte("\n\n")); i >= 0 {
		return m.Raw[i+2:]
	}
	return nil
}

func decodeHeader(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "=?") {
		return v
	}
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}
