// Package interpreter executes a verified binary against a message and
// collects the requested actions into a Result.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
)

const (
	DefaultMaxStack        = 64
	DefaultMaxIncludeDepth = 10
)

// ErrIncludeDepth is returned when includes nest deeper than allowed.
var ErrIncludeDepth = errors.New("include nesting too deep")

// Executable is an operation that can run.
type Executable interface {
	Execute(rt *Runtime, r *binary.OperandReader) error
}

// Op is an executable operation built from a function.
type Op struct {
	Name string
	Exec func(rt *Runtime, r *binary.OperandReader) error
}

func (o *Op) Mnemonic() string { return o.Name }

func (o *Op) Execute(rt *Runtime, r *binary.OperandReader) error {
	return o.Exec(rt, r)
}

// Finisher is implemented by extension definitions that act once the
// main block completed, for every extension in the binary's table.
type Finisher interface {
	Finish(rt *Runtime, ext *extension.Extension) error
}

// TraceLevel selects how much execution detail is written to the trace.
type TraceLevel int

const (
	TraceNone TraceLevel = iota
	TraceCommands
	TraceTests
)

type Options struct {
	MaxStack        int
	MaxIncludeDepth int
	Trace           io.Writer
	TraceLevel      TraceLevel
}

type frame struct {
	block int
	code  []byte
	pc    int
}

// Runtime is the state of one evaluation.
type Runtime struct {
	bin  *binary.Binary
	msg  *mail.MessageData
	env  *mail.Environment
	res  *result.Result
	eh   *diag.Handler
	opts Options
	ctx  context.Context

	cur     frame
	frames  []frame
	stack   []bool
	once    map[int]bool
	state   map[int]any
	stopped bool
	instr   binary.Instruction
}

// New prepares a runtime. bin must have been verified.
func New(bin *binary.Binary, msg *mail.MessageData, env *mail.Environment, res *result.Result, eh *diag.Handler, opts Options) *Runtime {
	if opts.MaxStack <= 0 {
		opts.MaxStack = DefaultMaxStack
	}
	if opts.MaxIncludeDepth <= 0 {
		opts.MaxIncludeDepth = DefaultMaxIncludeDepth
	}
	if env == nil {
		env = &mail.Environment{}
	}
	return &Runtime{
		bin:   bin,
		msg:   msg,
		env:   env,
		res:   res,
		eh:    eh,
		opts:  opts,
		once:  make(map[int]bool),
		state: make(map[int]any),
	}
}

func (rt *Runtime) Binary() *binary.Binary        { return rt.bin }
func (rt *Runtime) Message() *mail.MessageData    { return rt.msg }
func (rt *Runtime) Env() *mail.Environment        { return rt.env }
func (rt *Runtime) Result() *result.Result        { return rt.res }
func (rt *Runtime) Diag() *diag.Handler           { return rt.eh }
func (rt *Runtime) Context() context.Context      { return rt.ctx }
func (rt *Runtime) Instruction() binary.Instruction { return rt.instr }

// Run executes the main block and returns the interpretation status.
// Actions are only recorded; nothing is committed.
func (rt *Runtime) Run(ctx context.Context) result.Status {
	rt.ctx = ctx
	err := rt.run()
	if err == nil {
		err = rt.finish()
	}
	if err == nil {
		return result.StatusOK
	}

	status := statusOf(err)
	loc := rt.Location()
	switch status {
	case result.StatusBinCorrupt:
		logger.Error("Sieve: corrupt binary", "script", rt.bin.Script(), "pc", rt.instr.Offset, "error", err)
		rt.eh.Errorf(loc, "corrupt binary: %v", err)
	case result.StatusUserError:
		// Already reported.
	default:
		rt.eh.Errorf(loc, "%v", err)
	}
	return status
}

func statusOf(err error) result.Status {
	if errors.Is(err, binary.ErrCorrupt) {
		return result.StatusBinCorrupt
	}
	return result.FromError(err)
}

func (rt *Runtime) run() error {
	blk, ok := rt.bin.Block(0)
	if !ok {
		return fmt.Errorf("%w: no main block", binary.ErrCorrupt)
	}
	rt.cur = frame{block: 0, code: blk.Code}
	rt.syncLocation()

	for !rt.stopped {
		if rt.cur.pc >= len(rt.cur.code) {
			if len(rt.frames) == 0 {
				return nil
			}
			rt.Return()
			continue
		}
		in, err := binary.Decode(rt.cur.code, rt.cur.pc)
		if err != nil {
			return err
		}
		rt.instr = in
		ext, ok := rt.bin.Extension(in.Ext)
		if !ok {
			return fmt.Errorf("%w: unknown extension index %d at %d", binary.ErrCorrupt, in.Ext, in.Offset)
		}
		op, ok := ext.Operation(in.Op)
		if !ok {
			return fmt.Errorf("%w: unknown operation %d of %s at %d", binary.ErrCorrupt, in.Op, ext.Name, in.Offset)
		}
		exe, ok := op.(Executable)
		if !ok {
			return fmt.Errorf("%w: operation %s is not executable", binary.ErrCorrupt, op.Mnemonic())
		}
		if rt.opts.TraceLevel >= TraceCommands {
			rt.Tracef("%08x: %s", in.Offset, rt.bin.FormatInstruction(in))
		}

		rt.cur.pc = in.End
		r := in.Operands()
		if err := exe.Execute(rt, r); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) finish() error {
	for _, ext := range rt.bin.Extensions {
		if f, ok := ext.Def.(Finisher); ok {
			if err := f.Finish(rt, ext); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tracef writes one trace line when tracing is enabled.
func (rt *Runtime) Tracef(format string, args ...any) {
	if rt.opts.Trace == nil || rt.opts.TraceLevel == TraceNone {
		return
	}
	fmt.Fprintf(rt.opts.Trace, format+"\n", args...)
}

// TraceTest records the outcome of a test at the tests trace level.
func (rt *Runtime) TraceTest(name string, outcome bool) {
	if rt.opts.TraceLevel >= TraceTests {
		rt.Tracef("  %s test: %v", name, outcome)
	}
}

// Location returns the diagnostic location of the running script.
func (rt *Runtime) Location() diag.Location {
	name := rt.bin.Script()
	if blk, ok := rt.bin.Block(rt.cur.block); ok {
		name = blk.Name
	}
	return diag.Location{Script: name}
}

func (rt *Runtime) syncLocation() {
	if rt.res != nil {
		rt.res.SetLocation(rt.Location())
	}
}

// Push pushes a test outcome.
func (rt *Runtime) Push(v bool) error {
	if len(rt.stack) >= rt.opts.MaxStack {
		return fmt.Errorf("%w: value stack overflow", binary.ErrCorrupt)
	}
	rt.stack = append(rt.stack, v)
	return nil
}

// Pop pops a test outcome.
func (rt *Runtime) Pop() (bool, error) {
	if len(rt.stack) == 0 {
		return false, fmt.Errorf("%w: value stack underflow at %d", binary.ErrCorrupt, rt.instr.Offset)
	}
	v := rt.stack[len(rt.stack)-1]
	rt.stack = rt.stack[:len(rt.stack)-1]
	return v, nil
}

// Jump continues execution at an absolute offset of the current block.
func (rt *Runtime) Jump(addr uint32) error {
	to := int(addr)
	if to <= rt.instr.Offset || to > len(rt.cur.code) {
		return fmt.Errorf("%w: jump to %d out of range", binary.ErrCorrupt, to)
	}
	rt.cur.pc = to
	return nil
}

// Stop ends the whole evaluation.
func (rt *Runtime) Stop() {
	rt.stopped = true
}

// Include runs another block next. With once a block already included is
// skipped.
func (rt *Runtime) Include(block int, once bool) error {
	blk, ok := rt.bin.Block(block)
	if !ok {
		return fmt.Errorf("%w: block %d out of range", binary.ErrCorrupt, block)
	}
	if block == rt.cur.block {
		return fmt.Errorf("%w: circular include of %s", binary.ErrCorrupt, blk.Name)
	}
	for _, f := range rt.frames {
		if f.block == block {
			return fmt.Errorf("%w: circular include of %s", binary.ErrCorrupt, blk.Name)
		}
	}
	if once && rt.once[block] {
		return nil
	}
	if len(rt.frames) >= rt.opts.MaxIncludeDepth {
		return fmt.Errorf("%w: %s", ErrIncludeDepth, blk.Name)
	}
	rt.once[block] = true
	rt.frames = append(rt.frames, rt.cur)
	rt.cur = frame{block: block, code: blk.Code}
	rt.syncLocation()
	rt.Tracef("including block %d (%s)", block, blk.Name)
	return nil
}

// Return leaves the current included block. In the main block it ends the
// evaluation.
func (rt *Runtime) Return() {
	if len(rt.frames) == 0 {
		rt.stopped = true
		return
	}
	rt.cur = rt.frames[len(rt.frames)-1]
	rt.frames = rt.frames[:len(rt.frames)-1]
	rt.syncLocation()
}

// Depth returns the current include depth.
func (rt *Runtime) Depth() int { return len(rt.frames) }

// ResolveObject resolves an object operand of this binary.
func (rt *Runtime) ResolveObject(ref binary.ObjectRef) (extension.Object, error) {
	obj, _, err := rt.bin.ResolveObject(ref)
	return obj, err
}

// ReadObject reads and resolves an object operand.
func (rt *Runtime) ReadObject(r *binary.OperandReader, class extension.ObjectClass) (extension.Object, error) {
	ref, err := r.Object(class)
	if err != nil {
		return nil, err
	}
	return rt.ResolveObject(ref)
}

// State returns per-evaluation state of an extension, creating it with
// init on first use.
func (rt *Runtime) State(ext *extension.Extension, init func() any) any {
	st, ok := rt.state[ext.ID]
	if !ok && init != nil {
		st = init()
		rt.state[ext.ID] = st
	}
	return st
}

// AddAction records an action in the Result.
func (rt *Runtime) AddAction(act result.Action, effects []result.SideEffect, keep bool) error {
	return rt.res.Add(act, effects, keep)
}

// Errorf reports a runtime problem at the current location.
func (rt *Runtime) Errorf(format string, args ...any) {
	rt.eh.Errorf(rt.Location(), format, args...)
}

func (rt *Runtime) Warningf(format string, args ...any) {
	rt.eh.Warningf(rt.Location(), format, args...)
}
