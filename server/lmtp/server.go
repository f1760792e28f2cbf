package lmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/server"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/script"
)

// ScriptLocator returns the personal script storage of a user.
type ScriptLocator func(user string) script.Storage

// StorageLocator returns the mail storage of a user.
type StorageLocator func(user string) mail.MailStorage

type LMTPServerOptions struct {
	Debug           bool
	TLSConfig       *tls.Config // Implicit TLS when set
	MaxMessageSize  int64       // Maximum size for incoming messages in bytes (0 = unlimited)
	TrustedNetworks []string    // Defaults to localhost and private networks
	MaxConnections  int         // Maximum concurrent connections (0 = unlimited)
	MaxPerIP        int         // Maximum concurrent connections per client IP (0 = unlimited)
	Postmaster      string
	Settings        mail.Settings
}

// LMTPServerBackend delivers every accepted recipient through that user's
// active script.
type LMTPServerBackend struct {
	addr           string
	name           string
	hostname       string
	postmaster     string
	appCtx         context.Context
	server         *smtp.Server
	tlsConfig      *tls.Config
	maxMessageSize int64
	settings       mail.Settings
	detailSep      string

	engine    *engine.Engine
	scripts   ScriptLocator
	storage   StorageLocator
	submitter mail.Submitter
	// fallback runs for recipients without a usable script
	fallback *binary.Binary

	trustedNetworks []*net.IPNet
	limiter         *server.ConnectionLimiter

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, name, hostname, addr string, eng *engine.Engine, scripts ScriptLocator, storage StorageLocator, submitter mail.Submitter, options LMTPServerOptions) (*LMTPServerBackend, error) {
	if eng == nil || scripts == nil || storage == nil {
		return nil, fmt.Errorf("LMTP [%s]: engine, script and mail storage locators are required", name)
	}

	trusted := options.TrustedNetworks
	if len(trusted) == 0 {
		trusted = server.DefaultTrustedNetworks
	}
	trustedNets, err := server.ParseTrustedNetworks(trusted)
	if err != nil {
		return nil, fmt.Errorf("LMTP [%s]: %w", name, err)
	}

	fallback, err := eng.Compile(appCtx, script.New("default", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compile default script: %w", err)
	}

	backend := &LMTPServerBackend{
		addr:            addr,
		name:            name,
		hostname:        hostname,
		postmaster:      options.Postmaster,
		appCtx:          appCtx,
		tlsConfig:       options.TLSConfig,
		maxMessageSize:  options.MaxMessageSize,
		settings:        options.Settings,
		detailSep:       mail.SettingString(options.Settings, "sieve_subaddress_sep", server.DefaultDetailSeparator),
		engine:          eng,
		scripts:         scripts,
		storage:         storage,
		submitter:       submitter,
		fallback:        fallback,
		trustedNetworks: trustedNets,
		limiter:         server.NewConnectionLimiter("LMTP", options.MaxConnections, options.MaxPerIP),
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.AllowInsecureAuth = true
	s.LMTP = true
	s.Network = "tcp"
	if options.Debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	return backend, nil
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	ip, err := server.RemoteIP(remoteAddr)
	if err != nil {
		logger.Debug("LMTP: Connection rejected", "name", b.name, "remote", remoteAddr, "error", err)
		return nil, err
	}
	if !server.IsTrusted(ip, b.trustedNetworks) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "name", b.name, "ip", ip, "remote", remoteAddr)
		return nil, fmt.Errorf("LMTP connections only allowed from trusted networks")
	}

	release, err := b.limiter.Accept(ip)
	if err != nil {
		logger.Warn("LMTP: Connection rejected", "name", b.name, "ip", ip, "error", err)
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections, try again later",
		}
	}

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)
	b.totalConnections.Add(1)
	active := b.activeConnections.Add(1)

	s := &LMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		release:   release,
		remoteIP:  ip.String(),
		startTime: time.Now(),
	}
	s.log = logger.With("name", b.name, "remote", s.remoteIP)
	s.log.Debug("LMTP: new session", "active", active)
	return s, nil
}

// Serve accepts connections on ln until Close is called.
func (b *LMTPServerBackend) Serve(ln net.Listener) error {
	if b.tlsConfig != nil {
		ln = tls.NewListener(ln, b.tlsConfig)
	}
	logger.Info("LMTP server listening", "name", b.name, "addr", ln.Addr().String(), "tls", b.tlsConfig != nil)
	if err := b.server.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && b.appCtx.Err() == nil {
		return fmt.Errorf("LMTP server error: %w", err)
	}
	logger.Info("LMTP server stopped gracefully", "name", b.name)
	return nil
}

func (b *LMTPServerBackend) Start(errChan chan error) {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	if err := b.Serve(ln); err != nil {
		errChan <- err
	}
}

func (b *LMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}
