// Package service assembles the engine and its collaborators from the
// configuration. It is shared by the daemon and the command line tools.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/migadu/sieve/binstore"
	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/db"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/mailstore"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/submission"
)

// Services holds everything a delivery needs, built once at startup.
type Services struct {
	Config    *config.Config
	Database  *db.Database
	Store     binstore.Store
	Engine    *engine.Engine
	Submitter mail.Submitter

	collectorCancel context.CancelFunc

	mu    sync.Mutex
	boxes map[string]*mailstore.Memory
}

// Options narrows what Open builds. The command line tools do not need a
// binary store or a submission relay.
type Options struct {
	WithStore     bool
	WithSubmitter bool
}

// Open connects the configured backends. Close releases them.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Services, error) {
	s := &Services{Config: cfg, boxes: make(map[string]*mailstore.Memory)}

	if cfg.Scripts.Type == "database" || (opts.WithStore && cfg.BinaryStore.Type == "postgres") {
		database, err := db.NewDatabase(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.Database = database
	}

	if opts.WithStore {
		store, err := binstore.Open(&cfg.BinaryStore, &cfg.S3, s.Database)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Store = store
		if stats, ok := store.(metrics.CacheStatsProvider); ok {
			cctx, cancel := context.WithCancel(ctx)
			s.collectorCancel = cancel
			metrics.NewCollector(stats, 0).Start(cctx)
		}
	}

	eng, err := NewEngine(cfg, s.Store)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Engine = eng

	if opts.WithSubmitter && cfg.Submission.IsConfigured() {
		sub, err := submission.NewSMTPSubmitter(&cfg.Submission)
		if err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("Submission: relaying through SMTP", "host", cfg.Submission.Host)
		s.Submitter = sub
	}
	return s, nil
}

// NewEngine builds the registry and the engine from the sieve section of
// cfg. store may be nil.
func NewEngine(cfg *config.Config, store binstore.Store) (*engine.Engine, error) {
	settings := mail.SettingsMap(cfg.Sieve.Settings)
	reg, err := engine.NewRegistry(cfg.Sieve.Extensions, settings)
	if err != nil {
		return nil, err
	}
	maxSize, err := cfg.Sieve.GetMaxScriptSize()
	if err != nil {
		return nil, fmt.Errorf("invalid sieve.max_script_size: %w", err)
	}
	opTimeout, err := cfg.BinaryStore.GetOpTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid binary_store.op_timeout: %w", err)
	}

	opts := engine.Options{
		MaxScriptSize: maxSize,
		MaxActions:    cfg.Sieve.GetMaxActions(),
		MaxRedirects:  cfg.Sieve.GetMaxRedirects(),
		MaxErrors:     cfg.Sieve.GetMaxErrors(),
		Store:         store,
		OpTimeout:     opTimeout,
		Settings:      settings,
	}
	if cfg.Scripts.GlobalDir != "" {
		opts.Global = script.NewFileStorage(cfg.Scripts.GlobalDir, "")
	}
	if cfg.Sieve.Trace {
		opts.Trace = &traceWriter{}
		opts.TraceLevel = interpreter.TraceTests
	}
	return engine.New(reg, opts), nil
}

// Scripts returns the personal script storage of user.
func (s *Services) Scripts(user string) script.Storage {
	if s.Config.Scripts.Type == "database" && s.Database != nil {
		return script.NewDBStorage(s.Database, user)
	}
	maxSize, _ := s.Config.Sieve.GetMaxScriptSize()
	fs := script.NewFileStorage(filepath.Clean(s.Config.Scripts.UserDir(user)), s.Config.Scripts.GetActiveName())
	fs.MaxSize = maxSize
	return fs
}

// MailStorage returns the mailbox backend of user.
func (s *Services) MailStorage(user string) mail.MailStorage {
	if s.Config.MailStorage.Type == "imap" {
		return mailstore.NewIMAPStorage(&s.Config.MailStorage, user)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.boxes[user]
	if !ok {
		m = mailstore.NewMemory()
		s.boxes[user] = m
	}
	return m
}

func (s *Services) Close() {
	if s.collectorCancel != nil {
		s.collectorCancel()
	}
	if s.Engine != nil {
		s.Engine.Close()
	}
	if c, ok := s.Store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Binary store: close failed", "error", err)
		}
	}
	if s.Database != nil {
		s.Database.Close()
	}
}

// traceWriter forwards interpreter trace lines to the debug log.
type traceWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *traceWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		logger.Debug("Sieve trace", "line", line[:len(line)-1])
	}
	return len(p), nil
}
