package enotify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
)

const (
	MaxRecipients = 8
	MaxHeaders    = 16
	MaxSubject    = 256

	// SettingEnvelopeFrom selects the envelope sender of notifications:
	// sender, recipient, orig_recipient, user_email, postmaster or an
	// explicit <address>. When unset the :from address is used, then the
	// user's address, then the postmaster. Notifications about a message
	// with a null sender always use the null sender.
	SettingEnvelopeFrom = "sieve_notify_mailto_envelope_from"
)

var reservedHeaders = map[string]bool{
	"auto-submitted": true,
	"received":       true,
	"message-id":     true,
	"data":           true,
	"bcc":            true,
	"in-reply-to":    true,
	"references":     true,
	"resent-date":    true,
	"resent-from":    true,
	"resent-sender":  true,
	"resent-to":      true,
	"resent-cc":      true,
	"resent-bcc":     true,
	"resent-msg-id":  true,
	"from":           true,
	"sender":         true,
}

var uniqueHeaders = map[string]bool{
	"reply-to": true,
}

// Recipient is one recipient of a mailto URI.
type Recipient struct {
	Full       string
	Normalized string
	CC         bool
}

// MailtoURI is a parsed mailto URI (RFC 6068).
type MailtoURI struct {
	Recipients []Recipient
	Headers    []mail.HeaderField
	Subject    string
	Body       string
}

// ParseMailto parses a mailto URI and applies the notification limits.
func ParseMailto(uri string) (*MailtoURI, error) {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok || !strings.EqualFold(scheme, "mailto") {
		return nil, fmt.Errorf("not a mailto URI")
	}
	to, query, _ := strings.Cut(rest, "?")

	m := &MailtoURI{}
	if to != "" {
		if err := m.addRecipients(to, false); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	if query != "" {
		for _, field := range strings.Split(query, "&") {
			if field == "" {
				continue
			}
			rawName, rawValue, _ := strings.Cut(field, "=")
			name, err := url.PathUnescape(rawName)
			if err != nil || name == "" {
				return nil, fmt.Errorf("invalid header field name %q", rawName)
			}
			value, err := url.PathUnescape(rawValue)
			if err != nil {
				return nil, fmt.Errorf("invalid value for header field %q", name)
			}
			lname := strings.ToLower(name)

			switch lname {
			case "to":
				if err := m.addRecipients(value, false); err != nil {
					return nil, err
				}
				continue
			case "cc":
				if err := m.addRecipients(value, true); err != nil {
					return nil, err
				}
				continue
			case "bcc":
				continue
			case "subject", "body":
				if seen[lname] {
					return nil, fmt.Errorf("%s field is specified more than once", lname)
				}
				seen[lname] = true
				if lname == "subject" {
					m.Subject = value
				} else {
					m.Body = value
				}
				continue
			}

			if reservedHeaders[lname] {
				return nil, fmt.Errorf("setting the %s header field is not allowed", name)
			}
			if uniqueHeaders[lname] && seen[lname] {
				return nil, fmt.Errorf("%s header field is specified more than once", name)
			}
			seen[lname] = true
			if len(m.Headers) >= MaxHeaders {
				return nil, fmt.Errorf("more than the maximum of %d header fields specified", MaxHeaders)
			}
			m.Headers = append(m.Headers, mail.HeaderField{Name: name, Value: value})
		}
	}
	return m, nil
}

func (m *MailtoURI) addRecipients(list string, cc bool) error {
	for _, raw := range strings.Split(list, ",") {
		full, err := url.PathUnescape(strings.TrimSpace(raw))
		if err != nil || full == "" {
			return fmt.Errorf("invalid recipient %q", raw)
		}
		addr, err := helpers.ParseAddress(full)
		if err != nil {
			return fmt.Errorf("invalid recipient %q", full)
		}
		norm := helpers.NormalizeAddress(addr)
		dup := false
		for _, r := range m.Recipients {
			if helpers.AddressEqual(r.Normalized, norm) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		if len(m.Recipients) >= MaxRecipients {
			return fmt.Errorf("more than the maximum of %d recipients specified", MaxRecipients)
		}
		m.Recipients = append(m.Recipients, Recipient{Full: full, Normalized: norm, CC: cc})
	}
	return nil
}

// mailtoMethod sends notifications by mail.
type mailtoMethod struct {
	envelopeFrom string
}

func (m *mailtoMethod) Identifier() string { return "mailto" }

func (m *mailtoMethod) Parse(uri string) (any, error) {
	return ParseMailto(uri)
}

// Duplicate drops the recipients already notified by an earlier mailto
// notification. It reports true when none remain.
func (m *mailtoMethod) Duplicate(ctx, earlier any) bool {
	cur, ok1 := ctx.(*MailtoURI)
	prev, ok2 := earlier.(*MailtoURI)
	if !ok1 || !ok2 {
		return false
	}
	cur.Recipients, _ = result.DedupRuns(cur.Recipients, prev.Recipients, func(a, b Recipient) bool {
		return helpers.AddressEqual(a.Normalized, b.Normalized)
	})
	return len(cur.Recipients) == 0
}

func (m *mailtoMethod) Print(w io.Writer, a *Action) {
	uri, _ := a.ctx.(*MailtoURI)
	fmt.Fprintf(w, "    => importance   : %d\n", a.Importance)
	if a.Message != "" {
		fmt.Fprintf(w, "    => subject      : %s\n", a.Message)
	} else if uri != nil && uri.Subject != "" {
		fmt.Fprintf(w, "    => subject      : %s\n", uri.Subject)
	}
	if a.From != "" {
		fmt.Fprintf(w, "    => from         : %s\n", a.From)
	}
	fmt.Fprintf(w, "    => recipients   :\n")
	if uri == nil || len(uri.Recipients) == 0 {
		fmt.Fprintf(w, "       NONE, action has no effect\n")
	} else {
		for _, r := range uri.Recipients {
			kind := "To"
			if r.CC {
				kind = "Cc"
			}
			fmt.Fprintf(w, "       + %s: %s\n", kind, r.Full)
		}
	}
	if uri != nil && len(uri.Headers) > 0 {
		fmt.Fprintf(w, "    => headers      :\n")
		for _, h := range uri.Headers {
			fmt.Fprintf(w, "       + %s: %s\n", h.Name, h.Value)
		}
	}
	if uri != nil && uri.Body != "" {
		fmt.Fprintf(w, "    => body         : \n--\n%s\n--\n", uri.Body)
	}
	fmt.Fprintf(w, "\n")
}

// senders returns the envelope sender and the From header of a
// notification.
func (m *mailtoMethod) senders(env *result.Env, a *Action) (smtpFrom, header string) {
	if env.Msg.ReturnPath != "" {
		var ok bool
		if smtpFrom, ok = m.policySender(env); !ok {
			switch {
			case a.From != "":
				smtpFrom = fromAddress(a.From)
			case env.Mail.UserEmail != "":
				smtpFrom = env.Mail.UserEmail
			default:
				smtpFrom = postmaster(env.Mail)
			}
		}
	}

	header = a.From
	if header == "" {
		addr := smtpFrom
		if addr == "" {
			addr = postmaster(env.Mail)
		}
		header = "<" + addr + ">"
	}
	return smtpFrom, header
}

// policySender resolves the configured envelope sender policy. It reports
// false when no policy applies.
func (m *mailtoMethod) policySender(env *result.Env) (string, bool) {
	policy := strings.TrimSpace(m.envelopeFrom)
	switch {
	case policy == "":
		return "", false
	case policy == "<>":
		return "", true
	case policy == "sender":
		return env.Msg.ReturnPath, true
	case policy == "recipient":
		return env.Msg.To, env.Msg.To != ""
	case policy == "orig_recipient":
		return env.Msg.OrigTo, env.Msg.OrigTo != ""
	case policy == "user_email":
		return env.Mail.UserEmail, env.Mail.UserEmail != ""
	case policy == "postmaster":
		return postmaster(env.Mail), true
	case strings.HasPrefix(policy, "<") && strings.HasSuffix(policy, ">"):
		return helpers.NormalizeAddress(policy), true
	}
	logger.Warn("Sieve: invalid notify envelope sender policy", "policy", policy)
	return "", false
}

// fromAddress extracts the address of a :from value.
func fromAddress(from string) string {
	if a, err := gomail.ParseAddress(from); err == nil {
		return helpers.NormalizeAddress(a.Address)
	}
	return helpers.NormalizeAddress(from)
}

func postmaster(env *mail.Environment) string {
	if env.Postmaster != "" {
		return env.Postmaster
	}
	return "postmaster@" + env.Hostname
}

func autoSubmitted(msg *mail.MessageData) bool {
	for _, v := range msg.HeaderValues("Auto-Submitted") {
		if !strings.EqualFold(strings.TrimSpace(v), "no") {
			return true
		}
	}
	return false
}

func (m *mailtoMethod) Send(ctx context.Context, env *result.Env, a *Action) error {
	uri, ok := a.ctx.(*MailtoURI)
	if !ok || len(uri.Recipients) == 0 {
		logger.Warn("Sieve: notify mailto uri specifies no recipients; action has no effect")
		return nil
	}
	if autoSubmitted(env.Msg) {
		logger.Info("Sieve: not sending notification for auto-submitted message", "sender", env.Msg.ReturnPath)
		return nil
	}
	if env.Mail == nil || env.Mail.Submitter == nil {
		logger.Warn("Sieve: notify mailto method has no means to send mail")
		return nil
	}

	owner := env.Mail.UserEmail
	if owner == "" {
		owner = env.Msg.To
	}
	if owner == "" {
		owner = postmaster(env.Mail)
	}
	smtpFrom, from := m.senders(env, a)

	subject := uri.Subject
	switch {
	case a.Message != "":
		subject = helpers.StrSanitize(a.Message, MaxSubject)
	case subject == "":
		if s := env.Msg.Subject(); s != "" {
			subject = helpers.StrSanitize("Notification: "+s, MaxSubject)
		} else {
			subject = "Notification: (no subject)"
		}
	}
	body := uri.Body
	if body == "" {
		body = "Notification of new message."
	}

	out := &mail.Outgoing{
		From:          from,
		Subject:       subject,
		AutoSubmitted: fmt.Sprintf("auto-notified; owner-email=\"%s\"", owner),
		Body:          body,
	}
	for _, r := range uri.Recipients {
		if r.CC {
			out.Cc = append(out.Cc, r.Full)
		} else {
			out.To = append(out.To, r.Full)
		}
	}
	out.Extra = append(out.Extra, mail.HeaderField{Name: "Precedence", Value: "bulk"})
	switch a.Importance {
	case 1:
		out.Extra = append(out.Extra, mail.HeaderField{Name: "X-Priority", Value: "1 (Highest)"}, mail.HeaderField{Name: "Importance", Value: "High"})
	case 3:
		out.Extra = append(out.Extra, mail.HeaderField{Name: "X-Priority", Value: "5 (Lowest)"}, mail.HeaderField{Name: "Importance", Value: "Low"})
	default:
		out.Extra = append(out.Extra, mail.HeaderField{Name: "X-Priority", Value: "3 (Normal)"}, mail.HeaderField{Name: "Importance", Value: "Normal"})
	}
	out.Extra = append(out.Extra, uri.Headers...)

	var buf bytes.Buffer
	if err := out.Render(&buf); err != nil {
		return err
	}

	all := recipientSummary(uri.Recipients)
	sub, err := env.Mail.Submitter.Start(ctx, smtpFrom)
	if err != nil {
		return fmt.Errorf("%w: %v", result.ErrTemporary, err)
	}
	for _, r := range uri.Recipients {
		if err := sub.AddRecipient(r.Normalized); err != nil {
			sub.Abort()
			return fmt.Errorf("failed to add notification recipient <%s>: %w", r.Normalized, err)
		}
	}
	if _, err := sub.Writer().Write(buf.Bytes()); err != nil {
		sub.Abort()
		return err
	}

	res, err := sub.Finish(ctx)
	switch res {
	case mail.SubmitOK:
		logger.Info("Sieve: sent mail notification", "to", all)
		return nil
	case mail.SubmitTempFail:
		return fmt.Errorf("failed to send mail notification to %s: %w", all, core.SubmitError(res, err))
	default:
		logger.Error("Sieve: failed to send mail notification (permanent failure)", "to", all, "error", err)
		return nil
	}
}

func recipientSummary(rcpts []Recipient) string {
	var sb strings.Builder
	for i, r := range rcpts {
		if i == 3 {
			fmt.Fprintf(&sb, ", ... (%d total)", len(rcpts))
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("<" + helpers.StrSanitize(r.Normalized, 256) + ">")
	}
	return sb.String()
}
