package submission

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/pkg/circuitbreaker"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/mail"
)

// SMTPSubmitter submits messages to an SMTP relay. A submission is
// buffered and only transmitted by Finish, so that an aborted transaction
// never reaches the relay.
type SMTPSubmitter struct {
	Host           string
	UseTLS         bool
	TLSVerify      bool
	UseStartTLS    bool
	Username       string
	Password       string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// NewSMTPSubmitter builds a submitter with a circuit breaker from cfg.
func NewSMTPSubmitter(cfg *config.SubmissionConfig) (*SMTPSubmitter, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid submission.connect_timeout: %w", err)
	}
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid submission.command_timeout: %w", err)
	}
	cbTimeout, err := cfg.CircuitBreaker.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid submission.circuit_breaker.timeout: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "smtp_submission",
		MaxRequests: cfg.CircuitBreaker.GetMaxRequests(),
		Interval:    10 * time.Second,
		Timeout:     cbTimeout,
		ReadyToTrip: circuitbreaker.ConsecutiveFailures(cfg.CircuitBreaker.GetThreshold()),
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Submission: circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		// A rejected message means the relay is up.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentError(err)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(cb.Name()).Set(float64(circuitbreaker.StateClosed))

	return &SMTPSubmitter{
		Host:           cfg.Host,
		UseTLS:         cfg.TLS,
		TLSVerify:      cfg.TLSVerify,
		UseStartTLS:    cfg.UseStartTLS,
		Username:       cfg.Username,
		Password:       cfg.Password,
		ConnectTimeout: connectTimeout,
		CommandTimeout: commandTimeout,
		CircuitBreaker: cb,
	}, nil
}

func (s *SMTPSubmitter) Start(_ context.Context, sender string) (mail.Submission, error) {
	if s.Host == "" {
		return nil, fmt.Errorf("SMTP submission host not configured")
	}
	return &smtpSubmission{submitter: s, sender: sender}, nil
}

type smtpSubmission struct {
	submitter  *SMTPSubmitter
	sender     string
	recipients []string
	buf        bytes.Buffer
	done       bool
}

func (m *smtpSubmission) AddRecipient(rcpt string) error {
	if m.done {
		return fmt.Errorf("submission already finished")
	}
	m.recipients = append(m.recipients, rcpt)
	return nil
}

func (m *smtpSubmission) Writer() io.Writer { return &m.buf }

func (m *smtpSubmission) Abort() {
	m.done = true
	m.buf.Reset()
}

func (m *smtpSubmission) Finish(ctx context.Context) (mail.SubmitResult, error) {
	if m.done {
		return mail.SubmitPermFail, fmt.Errorf("submission already finished")
	}
	m.done = true
	if len(m.recipients) == 0 {
		return mail.SubmitPermFail, fmt.Errorf("submission has no recipients")
	}

	start := time.Now()
	s := m.submitter
	var err error
	if s.CircuitBreaker != nil {
		err = s.CircuitBreaker.Do(ctx, func(ctx context.Context) error {
			return s.send(ctx, m.sender, m.recipients, m.buf.Bytes())
		})
		if circuitbreaker.IsRejection(err) {
			logger.Warn("Submission: circuit breaker is open, deferring", "host", s.Host)
			metrics.SubmissionsTotal.WithLabelValues("circuit_breaker_open").Inc()
			return mail.SubmitTempFail, fmt.Errorf("SMTP submission circuit breaker is open: %w", err)
		}
	} else {
		err = s.send(ctx, m.sender, m.recipients, m.buf.Bytes())
	}
	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())

	res := Classify(err)
	metrics.SubmissionsTotal.WithLabelValues(res.String()).Inc()
	if err != nil {
		logger.Warn("Submission: failed", "host", s.Host, "recipients", len(m.recipients), "result", res.String(), "error", err)
	}
	return res, err
}

func (s *SMTPSubmitter) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(s.Host)
	if err != nil {
		host = s.Host
	}
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !s.TLSVerify,
	}
}

func (s *SMTPSubmitter) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Host)
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}

	var c *smtp.Client
	switch {
	case s.UseTLS && !s.UseStartTLS:
		c = smtp.NewClient(tls.Client(conn, s.tlsConfig()))
	case s.UseStartTLS:
		c, err = smtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			conn.Close()
			return nil, &SubmitError{Err: fmt.Errorf("failed to start TLS with SMTP relay: %w", err)}
		}
	default:
		c = smtp.NewClient(conn)
	}
	if s.CommandTimeout > 0 {
		c.CommandTimeout = s.CommandTimeout
		c.SubmissionTimeout = s.CommandTimeout
	}

	if s.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.Username, s.Password)); err != nil {
			c.Close()
			return nil, wrap(err, "SMTP authentication failed")
		}
	}
	return c, nil
}

func (s *SMTPSubmitter) send(ctx context.Context, from string, to []string, data []byte) error {
	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return wrap(err, "failed to set sender")
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return wrap(err, fmt.Sprintf("failed to add recipient <%s>", rcpt))
		}
	}
	wc, err := c.Data()
	if err != nil {
		return wrap(err, "failed to start data")
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return &SubmitError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return wrap(err, "failed to finish data")
	}
	if err := c.Quit(); err != nil {
		logger.Warn("Submission: failed to send QUIT", "error", err)
	}
	return nil
}
