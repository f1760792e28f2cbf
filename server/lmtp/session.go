package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/server"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/script"
)

var (
	errBadSequence = &smtp.SMTPError{
		Code:         503,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
	}
	errTryAgain = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 2, 0},
		Message:      "Temporary failure, try again later",
	}
)

type recipient struct {
	// rcpt is the path exactly as given in RCPT TO
	rcpt string
	addr server.Address
}

// LMTPSession represents a single LMTP session.
type LMTPSession struct {
	backend    *LMTPServerBackend
	conn       *smtp.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	release    func()
	log        *slog.Logger
	remoteIP   string
	startTime  time.Time
	hasSender  bool
	sender     string
	recipients []recipient
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	if from == "" {
		s.sender, s.hasSender = "", true
		s.log.Debug("LMTP: mail from null sender accepted")
		return nil
	}
	addr, err := server.NewAddress(from)
	if err != nil {
		s.log.Debug("LMTP: invalid from address", "from", from, "error", err)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}
	s.sender, s.hasSender = addr.FullAddress(), true
	s.log.Debug("LMTP: mail from accepted", "from", s.sender)
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !s.hasSender {
		return errBadSequence
	}
	addr, err := server.ParseAddress(to, s.backend.detailSep)
	if err != nil {
		s.log.Debug("LMTP: invalid to address", "to", to, "error", err)
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}
	s.recipients = append(s.recipients, recipient{rcpt: to, addr: addr})
	s.log.Debug("LMTP: rcpt to accepted", "to", addr.FullAddress(), "user", addr.BaseAddress())
	return nil
}

// Data delivers to every recipient and reports the first failure. LMTP
// clients are served per recipient by LMTPData.
func (s *LMTPSession) Data(r io.Reader) error {
	var first error
	err := s.LMTPData(r, statusFunc(func(_ string, err error) {
		if first == nil {
			first = err
		}
	}))
	if err != nil {
		return err
	}
	return first
}

type statusFunc func(rcptTo string, err error)

func (f statusFunc) SetStatus(rcptTo string, err error) { f(rcptTo, err) }

func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if !s.hasSender || len(s.recipients) == 0 {
		return errBadSequence
	}

	raw, err := readMessage(r, s.backend.maxMessageSize)
	if err != nil {
		s.log.Info("LMTP: message rejected", "error", err)
		metrics.DeliveriesTotal.WithLabelValues("rejected").Add(float64(len(s.recipients)))
		return err
	}
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	for _, rcpt := range s.recipients {
		err := s.deliver(raw, rcpt)
		res := "delivered"
		if err != nil {
			res = "rejected"
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) && smtpErr.Temporary() {
				res = "temp_failure"
			}
		}
		metrics.DeliveriesTotal.WithLabelValues(res).Inc()
		status.SetStatus(rcpt.rcpt, err)
	}
	return nil
}

// readMessage reads at most max bytes; zero means no limit.
func readMessage(r io.Reader, max int64) ([]byte, error) {
	if max > 0 {
		// One extra byte tells a message at the limit from a larger one.
		r = io.LimitReader(r, max+1)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 4, 2},
			Message:      fmt.Sprintf("failed to read message: %v", err),
		}
	}
	if max > 0 && int64(buf.Len()) > max {
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", max),
		}
	}
	return buf.Bytes(), nil
}

func (s *LMTPSession) deliver(raw []byte, rcpt recipient) error {
	b := s.backend
	user := rcpt.addr.BaseAddress()
	log := s.log.With("user", user)

	msg, err := mail.ParseMessage(raw, mail.Envelope{ReturnPath: s.sender, To: rcpt.addr.FullAddress()})
	if err != nil {
		log.Info("LMTP: malformed message", "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}

	personal := b.scripts(user)
	eng := b.engine.WithPersonal(personal)
	bin, err := s.openScript(eng, personal, log)
	if err != nil {
		return errTryAgain
	}

	env := &mail.Environment{
		User:       user,
		UserEmail:  user,
		Hostname:   b.hostname,
		Postmaster: b.postmaster,
		Storage:    b.storage(user),
		Submitter:  b.submitter,
		Settings:   b.settings,
	}
	var st result.ExecStatus
	eh := eng.NewDiag()
	res := eng.Execute(s.ctx, bin, msg, env, eh, &st)
	log = log.With("script", bin.Script(), "status", res.String(), "message_id", msg.ID)

	switch {
	case res == result.StatusKeepFailed, res == result.StatusTempFailure && !st.MessageSaved:
		log.Warn("LMTP: delivery deferred", "storage_error", st.LastStorageError, "diagnostics", eh.String())
		if st.LastStorageError != "" {
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 2, 0},
				Message:      st.LastStorageError,
			}
		}
		return errTryAgain
	case res != result.StatusOK:
		log.Info("LMTP: script failed, message kept", "diagnostics", eh.String())
	default:
		log.Debug("LMTP: delivered", "saved", st.MessageSaved, "forwarded", st.MessageForwarded)
	}
	return nil
}

// openScript returns the binary of the user's active script, or the
// implicit keep script when there is none or it does not compile.
func (s *LMTPSession) openScript(eng *engine.Engine, personal script.Storage, log *slog.Logger) (*binary.Binary, error) {
	active, err := personal.Active(s.ctx)
	if errors.Is(err, consts.ErrScriptNotFound) {
		return s.backend.fallback, nil
	}
	if err != nil {
		log.Warn("LMTP: failed to read active script", "error", err)
		return nil, err
	}

	eh := eng.NewDiag()
	bin, err := eng.Open(s.ctx, active, eh)
	if err != nil {
		log.Warn("LMTP: active script does not compile, using implicit keep", "script", active.Name, "diagnostics", eh.String())
		return s.backend.fallback, nil
	}
	return bin, nil
}

func (s *LMTPSession) Reset() {
	s.hasSender = false
	s.sender = ""
	s.recipients = nil
}

func (s *LMTPSession) Logout() error {
	s.Reset()
	active := s.backend.activeConnections.Add(-1)
	if s.cancel != nil {
		s.cancel()
	}
	if s.release != nil {
		s.release()
	}
	s.log.Debug("LMTP: session closed", "active", active, "duration", time.Since(s.startTime))
	return nil
}
