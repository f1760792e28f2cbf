// Package engine ties the compile and execute pipeline together: it
// compiles scripts, keeps their binaries fresh in a binary store and runs
// them against messages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/migadu/sieve/binstore"
	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/ext/include"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/parser"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/sieve/validator"
)

const (
	DefaultMaxActions   = 32
	DefaultMaxRedirects = 4
	DefaultMaxErrors    = 10
	DefaultOpTimeout    = 5 * time.Second
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	MaxScriptSize int64
	MaxActions    int
	MaxRedirects  int
	MaxErrors     int

	// Store keeps compiled binaries. Without one Open always compiles.
	Store     binstore.Store
	OpTimeout time.Duration

	// Personal and Global provide the scripts for include.
	Personal script.Storage
	Global   script.Storage
	Settings mail.Settings

	Trace      io.Writer
	TraceLevel interpreter.TraceLevel
}

// Engine compiles and runs scripts against a frozen registry. It is safe
// for concurrent use.
type Engine struct {
	reg  *extension.Registry
	opts Options
}

func New(reg *extension.Registry, opts Options) *Engine {
	if opts.MaxActions <= 0 {
		opts.MaxActions = DefaultMaxActions
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Engine{reg: reg, opts: opts}
}

func (e *Engine) Registry() *extension.Registry { return e.reg }

// WithPersonal returns an engine sharing e's registry and store whose
// personal includes resolve against personal.
func (e *Engine) WithPersonal(personal script.Storage) *Engine {
	opts := e.opts
	opts.Personal = personal
	return &Engine{reg: e.reg, opts: opts}
}

// WithTrace returns an engine writing an execution trace to w.
func (e *Engine) WithTrace(w io.Writer, level interpreter.TraceLevel) *Engine {
	opts := e.opts
	opts.Trace, opts.TraceLevel = w, level
	return &Engine{reg: e.reg, opts: opts}
}

// Capabilities lists the extensions scripts may require.
func (e *Engine) Capabilities() []string { return e.reg.Capabilities() }

// NewDiag returns an error handler using the engine's error limit.
func (e *Engine) NewDiag() *diag.Handler {
	return diag.NewHandler(e.opts.MaxErrors).WithLogger(logger.Get())
}

func (e *Engine) diag(eh *diag.Handler) *diag.Handler {
	if eh == nil {
		return e.NewDiag()
	}
	return eh
}

// Compile parses, validates and generates s. Script errors are reported
// through eh and the returned error wraps consts.ErrParseFailed or
// consts.ErrValidationFailed.
func (e *Engine) Compile(ctx context.Context, s *script.Script, eh *diag.Handler) (bin *binary.Binary, err error) {
	eh = e.diag(eh)
	start := time.Now()
	errorsBefore, warningsBefore := eh.Errors(), eh.Warnings()
	defer func() {
		res := "success"
		switch {
		case errors.Is(err, consts.ErrParseFailed):
			res = "parse_error"
		case errors.Is(err, consts.ErrValidationFailed):
			res = "validation_error"
		case err != nil:
			res = "error"
		}
		metrics.CompilationsTotal.WithLabelValues(res).Inc()
		metrics.CompileDuration.Observe(time.Since(start).Seconds())
		metrics.DiagnosticsTotal.WithLabelValues("error").Add(float64(eh.Errors() - errorsBefore))
		metrics.DiagnosticsTotal.WithLabelValues("warning").Add(float64(eh.Warnings() - warningsBefore))
	}()

	if e.opts.MaxScriptSize > 0 && int64(len(s.Source)) > e.opts.MaxScriptSize {
		eh.Errorf(diag.Location{Script: s.Name}, "script is too large (max %d bytes)", e.opts.MaxScriptSize)
		return nil, fmt.Errorf("%w: %s: %w", consts.ErrParseFailed, s.Name, consts.ErrScriptTooLarge)
	}

	tree := parser.Parse(s.Source, s.Name, eh)
	if tree == nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrParseFailed, eh.Err())
	}

	v := validator.New(e.reg, s, eh, validator.Options{
		Personal: e.opts.Personal,
		Global:   e.opts.Global,
		Settings: e.opts.Settings,
	})
	if !v.Validate(tree) {
		return nil, fmt.Errorf("%w: %w", consts.ErrValidationFailed, eh.Err())
	}

	bin, err = generator.New(e.reg, eh).Generate(tree, s)
	if err != nil {
		logger.Error("internal error: code generation failed after validation", "script", s.Name, "error", err)
		return nil, err
	}
	return bin, nil
}

// Open returns a fresh binary for s: the stored one when it is intact and
// up to date, otherwise a new compilation that is saved back. A failed
// save is logged and does not fail the call.
func (e *Engine) Open(ctx context.Context, s *script.Script, eh *diag.Handler) (*binary.Binary, error) {
	eh = e.diag(eh)
	if e.opts.Store == nil {
		return e.compileCounted(ctx, s, eh)
	}

	log := logger.With("script", s.Name, "location", s.Location, "backend", e.opts.Store.Backend())
	data, err := e.loadStored(ctx, s.Location)
	switch {
	case errors.Is(err, binstore.ErrNotFound):
		metrics.BinaryOpenTotal.WithLabelValues("missing").Inc()
	case err != nil:
		log.Warn("Sieve: failed to read stored binary", "error", err)
		metrics.BinaryOpenTotal.WithLabelValues("missing").Inc()
	default:
		bin, lerr := binary.Load(data, e.reg)
		switch {
		case lerr != nil:
			log.Warn("Sieve: stored binary is corrupt, recompiling", "error", lerr)
			metrics.BinaryOpenTotal.WithLabelValues("corrupt").Inc()
		case !bin.UpToDateContext(ctx, *s):
			log.Debug("Sieve: stored binary is stale, recompiling")
			metrics.BinaryOpenTotal.WithLabelValues("stale").Inc()
		default:
			metrics.BinaryOpenTotal.WithLabelValues("loaded").Inc()
			return bin, nil
		}
	}

	bin, err := e.compileCounted(ctx, s, eh)
	if err != nil {
		return nil, err
	}
	if err := e.Save(ctx, s.Location, bin); err != nil {
		log.Warn("Sieve: failed to save binary", "error", err)
	}
	return bin, nil
}

func (e *Engine) compileCounted(ctx context.Context, s *script.Script, eh *diag.Handler) (*binary.Binary, error) {
	bin, err := e.Compile(ctx, s, eh)
	if err == nil {
		metrics.BinaryOpenTotal.WithLabelValues("compiled").Inc()
	}
	return bin, err
}

func (e *Engine) loadStored(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	return e.opts.Store.Get(ctx, location)
}

// Save marshals bin and writes it to the binary store under location.
func (e *Engine) Save(ctx context.Context, location string, bin *binary.Binary) error {
	if e.opts.Store == nil {
		return nil
	}
	data, err := bin.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", consts.ErrBinarySave, err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	if err := e.opts.Store.Put(ctx, location, data); err != nil {
		return fmt.Errorf("%w: %w", consts.ErrBinarySave, err)
	}
	return nil
}

// Load decodes and verifies a binary produced by Marshal.
func (e *Engine) Load(data []byte) (*binary.Binary, error) {
	return binary.Load(data, e.reg)
}

func (e *Engine) newResult(bin *binary.Binary, msg *mail.MessageData, env *mail.Environment, eh *diag.Handler, status *result.ExecStatus) *result.Result {
	return result.New(result.Options{
		MaxActions:   e.opts.MaxActions,
		MaxRedirects: e.opts.MaxRedirects,
		Msg:          msg,
		Diag:         eh,
		Script:       bin.Script(),
		Status:       status,
		ImplicitKeep: core.ImplicitKeep(env),
	})
}

func (e *Engine) interpret(ctx context.Context, bin *binary.Binary, msg *mail.MessageData, env *mail.Environment, res *result.Result, eh *diag.Handler) result.Status {
	opts := interpreter.Options{
		Trace:      e.opts.Trace,
		TraceLevel: e.opts.TraceLevel,
	}
	if ext, err := e.reg.Load(include.Name); err == nil {
		opts.MaxIncludeDepth = include.MaxNesting(ext)
	}
	return interpreter.New(bin, msg, env, res, eh, opts).Run(ctx)
}

// Test runs bin and prints the actions it would perform to w. Nothing is
// committed.
func (e *Engine) Test(ctx context.Context, bin *binary.Binary, msg *mail.MessageData, env *mail.Environment, w io.Writer, eh *diag.Handler, status *result.ExecStatus) result.Status {
	eh = e.diag(eh)
	if status == nil {
		status = &result.ExecStatus{}
	}
	status.Reset()
	start := time.Now()

	res := e.newResult(bin, msg, env, eh, status)
	st := e.interpret(ctx, bin, msg, env, res, eh)
	if st == result.StatusOK {
		res.Print(w, env)
	}

	metrics.ExecutionsTotal.WithLabelValues("test", st.String()).Inc()
	metrics.ExecutionDuration.WithLabelValues("test").Observe(time.Since(start).Seconds())
	return st
}

// Execute runs bin and carries out its actions. When interpretation does
// not complete the message is stored by the keep fallback instead, except
// for temporary failures, which are left to the caller to retry.
func (e *Engine) Execute(ctx context.Context, bin *binary.Binary, msg *mail.MessageData, env *mail.Environment, eh *diag.Handler, status *result.ExecStatus) result.Status {
	eh = e.diag(eh)
	if status == nil {
		status = &result.ExecStatus{}
	}
	status.Reset()
	start := time.Now()
	log := logger.With("script", bin.Script(), "user", env.User, "message_id", msg.ID)

	res := e.newResult(bin, msg, env, eh, status)
	st := e.interpret(ctx, bin, msg, env, res, eh)
	switch st {
	case result.StatusOK:
		st = res.Execute(ctx, env)
		outcome := "committed"
		if st != result.StatusOK {
			outcome = "failed"
		}
		for _, act := range res.Actions() {
			metrics.ActionsTotal.WithLabelValues(act.Name(), outcome).Inc()
		}
	case result.StatusTempFailure:
		log.Warn("Sieve: temporary failure during evaluation")
	case result.StatusBinCorrupt:
		log.Error("Sieve: corrupt binary, storing message in default mailbox")
		st = res.ExecuteKeepFallback(ctx, env, st)
	default:
		log.Info("Sieve: evaluation failed, storing message in default mailbox", "status", st.String())
		st = res.ExecuteKeepFallback(ctx, env, st)
	}

	metrics.ExecutionsTotal.WithLabelValues("execute", st.String()).Inc()
	metrics.ExecutionDuration.WithLabelValues("execute").Observe(time.Since(start).Seconds())
	return st
}

// Dump writes the disassembly of bin to w.
func (e *Engine) Dump(w io.Writer, bin *binary.Binary) error {
	return binary.Dump(w, bin)
}

// Close unloads every extension.
func (e *Engine) Close() {
	e.reg.Unload()
}
