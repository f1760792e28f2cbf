package mail

import (
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// HeaderField is an extra header of a generated message.
type HeaderField struct {
	Name  string
	Value string
}

// Outgoing is a message generated by an action, such as a notification
// or a rejection.
type Outgoing struct {
	From          string
	To            []string
	Cc            []string
	Subject       string
	InReplyTo     string
	AutoSubmitted string
	Extra         []HeaderField
	Body          string
	Date          time.Time
}

func addressList(list []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(list))
	for _, s := range list {
		if a, err := gomail.ParseAddress(s); err == nil {
			out = append(out, a)
		} else {
			out = append(out, &gomail.Address{Address: s})
		}
	}
	return out
}

func is8bit(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i]&0x80 != 0 {
			return true
		}
	}
	return false
}

// Render writes the message with CRLF line endings.
func (o *Outgoing) Render(w io.Writer) error {
	var h gomail.Header
	date := o.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("failed to generate message id: %w", err)
	}
	if o.From != "" {
		h.SetAddressList("From", addressList([]string{o.From}))
	}
	if len(o.To) > 0 {
		h.SetAddressList("To", addressList(o.To))
	}
	if len(o.Cc) > 0 {
		h.SetAddressList("Cc", addressList(o.Cc))
	}
	h.SetSubject(o.Subject)
	if o.InReplyTo != "" {
		h.Set("In-Reply-To", o.InReplyTo)
		h.Set("References", o.InReplyTo)
	}
	if o.AutoSubmitted != "" {
		h.Set("Auto-Submitted", o.AutoSubmitted)
	}
	for _, f := range o.Extra {
		h.Add(f.Name, f.Value)
	}
	h.Set("MIME-Version", "1.0")
	if is8bit(o.Body) {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "8bit")
	} else {
		h.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
		h.Set("Content-Transfer-Encoding", "7bit")
	}

	body, err := gomail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	text := strings.ReplaceAll(strings.ReplaceAll(o.Body, "\r\n", "\n"), "\n", "\r\n")
	if !strings.HasSuffix(text, "\r\n") {
		text += "\r\n"
	}
	if _, err := io.WriteString(body, text); err != nil {
		body.Close()
		return err
	}
	return body.Close()
}
