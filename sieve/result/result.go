// Package result collects the actions of one evaluation and carries them
// out as a transaction.
package result

import (
	"context"
	"fmt"
	"io"

	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/mail"
)

// RedirectAction is the name counted against MaxRedirects.
const RedirectAction = "redirect"

// Options configures a Result.
type Options struct {
	MaxActions   int
	MaxRedirects int
	Msg          *mail.MessageData
	Diag         *diag.Handler
	Script       string
	Status       *ExecStatus
	// ImplicitKeep builds the action storing the message into the default
	// mailbox. It is used for the implicit keep and the keep fallback.
	ImplicitKeep func() Action
}

type entry struct {
	act     Action
	effects []SideEffect
	loc     diag.Location
}

// Result is the ordered set of actions of one evaluation.
type Result struct {
	opts          Options
	entries       []*entry
	keepCancelled bool
	keepEffects   []SideEffect
	loc           diag.Location
	redirects     int
}

func New(opts Options) *Result {
	if opts.Status == nil {
		opts.Status = &ExecStatus{}
	}
	return &Result{opts: opts, loc: diag.Location{Script: opts.Script}}
}

// SetLocation sets the location used for diagnostics of subsequent actions.
func (r *Result) SetLocation(loc diag.Location) {
	r.loc = loc
}

// ExecStatus returns the execution status record.
func (r *Result) ExecStatus() *ExecStatus {
	return r.opts.Status
}

// Actions returns the collected actions in order.
func (r *Result) Actions() []Action {
	out := make([]Action, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.act
	}
	return out
}

// SideEffects returns the side effects attached to the action at index i.
func (r *Result) SideEffects(i int) []SideEffect {
	if i < 0 || i >= len(r.entries) {
		return nil
	}
	return r.entries[i].effects
}

// ImplicitKeep reports whether the implicit keep is still in effect.
func (r *Result) ImplicitKeep() bool {
	return !r.keepCancelled
}

// CancelImplicitKeep cancels the implicit keep, as discard does.
func (r *Result) CancelImplicitKeep() {
	r.keepCancelled = true
}

// AddImplicitKeepEffect attaches a side effect to the implicit keep,
// replacing one with the same name.
func (r *Result) AddImplicitKeepEffect(se SideEffect) {
	for i, cur := range r.keepEffects {
		if cur.Name() == se.Name() {
			r.keepEffects[i] = se
			return
		}
	}
	r.keepEffects = append(r.keepEffects, se)
}

func (r *Result) env(envr *mail.Environment, loc diag.Location) *Env {
	return &Env{
		Msg:      r.opts.Msg,
		Mail:     envr,
		Diag:     r.opts.Diag,
		Location: loc,
		Status:   r.opts.Status,
	}
}

// Add records an action. keep reports whether the action leaves the
// implicit keep in place; a side effect implementing KeepPreserver can
// also keep it.
func (r *Result) Add(act Action, effects []SideEffect, keep bool) error {
	env := r.env(nil, r.loc)

	for _, e := range r.entries {
		if conflicts(env, act, e.act) {
			r.opts.Diag.Errorf(r.loc, "%s action conflicts with earlier %s action", act.Name(), e.act.Name())
			return ErrConflict
		}
	}

	if !keep {
		keep = preservesKeep(effects)
	}

	// Duplicates merge into the earlier entry and do not count against
	// the limits.
	if dc, ok := act.(DuplicateChecker); ok {
		for _, e := range r.entries {
			if e.act.Name() != act.Name() {
				continue
			}
			dup, err := dc.CheckDuplicate(env, e.act)
			if err != nil {
				return err
			}
			if dup {
				e.effects = mergeEffects(e.effects, effects)
				if !keep {
					r.keepCancelled = true
				}
				return nil
			}
		}
	}

	if r.opts.MaxActions > 0 && len(r.entries) >= r.opts.MaxActions {
		r.opts.Diag.Errorf(r.loc, "total number of actions exceeds policy limit (%d)", r.opts.MaxActions)
		return ErrLimit
	}
	if act.Name() == RedirectAction && r.opts.MaxRedirects > 0 && r.redirects >= r.opts.MaxRedirects {
		r.opts.Diag.Errorf(r.loc, "number of redirect actions exceeds policy limit (%d)", r.opts.MaxRedirects)
		return ErrLimit
	}

	if !keep {
		r.keepCancelled = true
	}
	if act.Name() == RedirectAction {
		r.redirects++
	}
	r.entries = append(r.entries, &entry{act: act, effects: effects, loc: r.loc})
	return nil
}

func conflicts(env *Env, a, b Action) bool {
	if c, ok := a.(ConflictChecker); ok && c.CheckConflict(env, b) {
		return true
	}
	if c, ok := b.(ConflictChecker); ok && c.CheckConflict(env, a) {
		return true
	}
	return false
}

func preservesKeep(effects []SideEffect) bool {
	for _, se := range effects {
		if kp, ok := se.(KeepPreserver); ok && kp.PreservesImplicitKeep() {
			return true
		}
	}
	return false
}

func mergeEffects(into, from []SideEffect) []SideEffect {
outer:
	for _, se := range from {
		for _, cur := range into {
			if cur.Name() == se.Name() {
				if m, ok := cur.(Merger); ok {
					m.Merge(se)
				}
				continue outer
			}
		}
		into = append(into, se)
	}
	return into
}

// Execute carries out all actions as one transaction and then the
// implicit keep. On failure every started action is rolled back in
// reverse order and the keep fallback stores the message instead.
func (r *Result) Execute(ctx context.Context, envr *mail.Environment) Status {
	status := StatusOK
	var started []*entry
	var failure error
	var failed *entry

	for _, e := range r.entries {
		started = append(started, e)
		if err := r.runEntry(ctx, envr, e); err != nil {
			failure, failed = err, e
			break
		}
	}

	if failure != nil {
		r.opts.Diag.Errorf(failed.loc, "failed to execute %s action: %v", failed.act.Name(), failure)
		logger.Warn("Sieve action failed", "script", r.opts.Script, "action", failed.act.Name(), "error", failure)
		for i := len(started) - 1; i >= 0; i-- {
			r.rollback(ctx, envr, started[i])
		}
		status = Worse(StatusFailure, FromError(failure))
		return r.keepFallback(ctx, envr, status)
	}

	commitFailed := false
	for _, e := range r.entries {
		env := r.env(envr, e.loc)
		if c, ok := e.act.(Committer); ok {
			if err := c.Commit(ctx, env); err != nil {
				commitFailed = true
				status = Worse(status, Worse(StatusFailure, FromError(err)))
				r.opts.Diag.Errorf(e.loc, "failed to commit %s action: %v", e.act.Name(), err)
				logger.Warn("Sieve action commit failed", "script", r.opts.Script, "action", e.act.Name(), "error", err)
				continue
			}
		}
		for _, se := range e.effects {
			if pc, ok := se.(PostCommitter); ok {
				if err := pc.PostCommit(ctx, env, e.act); err != nil {
					logger.Warn("Sieve side effect failed after commit", "script", r.opts.Script, "action", e.act.Name(), "side_effect", se.Name(), "error", err)
				}
			}
		}
	}
	if commitFailed {
		if r.opts.Status.MessageSaved {
			return status
		}
		return r.keepFallback(ctx, envr, status)
	}

	if r.keepCancelled {
		return status
	}
	r.opts.Status.KeepOriginal = true
	if err := r.runKeep(ctx, envr, r.keepEffects); err != nil {
		r.opts.Diag.Errorf(diag.Location{Script: r.opts.Script}, "failed to store message in default mailbox: %v", err)
		return StatusKeepFailed
	}
	return status
}

// ExecuteKeepFallback stores the message into the default mailbox without
// running any action, after an evaluation that did not complete.
func (r *Result) ExecuteKeepFallback(ctx context.Context, envr *mail.Environment, status Status) Status {
	return r.keepFallback(ctx, envr, status)
}

func (r *Result) keepFallback(ctx context.Context, envr *mail.Environment, status Status) Status {
	if err := r.runKeep(ctx, envr, nil); err != nil {
		r.opts.Diag.Errorf(diag.Location{Script: r.opts.Script}, "failed to store message in default mailbox: %v", err)
		logger.Error("Sieve keep fallback failed", "script", r.opts.Script, "error", err)
		return StatusKeepFailed
	}
	return status
}

func (r *Result) runKeep(ctx context.Context, envr *mail.Environment, effects []SideEffect) error {
	if r.opts.ImplicitKeep == nil {
		return fmt.Errorf("no implicit keep action configured")
	}
	r.opts.Status.TriedDefaultSave = true
	e := &entry{act: r.opts.ImplicitKeep(), effects: effects, loc: diag.Location{Script: r.opts.Script}}
	if err := r.runEntry(ctx, envr, e); err != nil {
		r.rollback(ctx, envr, e)
		return err
	}
	env := r.env(envr, e.loc)
	if c, ok := e.act.(Committer); ok {
		if err := c.Commit(ctx, env); err != nil {
			return err
		}
	}
	for _, se := range e.effects {
		if pc, ok := se.(PostCommitter); ok {
			_ = pc.PostCommit(ctx, env, e.act)
		}
	}
	return nil
}

func (r *Result) runEntry(ctx context.Context, envr *mail.Environment, e *entry) error {
	env := r.env(envr, e.loc)
	if s, ok := e.act.(Starter); ok {
		if err := s.Start(ctx, env); err != nil {
			return err
		}
	}
	for _, se := range e.effects {
		if pe, ok := se.(PreExecuter); ok {
			if err := pe.PreExecute(ctx, env, e.act); err != nil {
				return fmt.Errorf("%s: %w", se.Name(), err)
			}
		}
	}
	if x, ok := e.act.(Executor); ok {
		if err := x.Execute(ctx, env); err != nil {
			return err
		}
	}
	for _, se := range e.effects {
		if pe, ok := se.(PostExecuter); ok {
			if err := pe.PostExecute(ctx, env, e.act); err != nil {
				return fmt.Errorf("%s: %w", se.Name(), err)
			}
		}
	}
	return nil
}

func (r *Result) rollback(ctx context.Context, envr *mail.Environment, e *entry) {
	env := r.env(envr, e.loc)
	for i := len(e.effects) - 1; i >= 0; i-- {
		if rh, ok := e.effects[i].(RollbackHook); ok {
			rh.RollbackEffect(ctx, env, e.act)
		}
	}
	if rb, ok := e.act.(RollbackHandler); ok {
		rb.Rollback(ctx, env)
	}
}

// Print writes the actions that would be performed, followed by the
// implicit keep. Nothing is executed.
func (r *Result) Print(w io.Writer, envr *mail.Environment) {
	env := r.env(envr, r.loc)

	fmt.Fprintf(w, "\nPerformed actions:\n\n")
	if len(r.entries) == 0 {
		fmt.Fprintf(w, "  (none)\n")
	}
	for _, e := range r.entries {
		printEntry(w, env, e.act, e.effects)
	}

	fmt.Fprintf(w, "\nImplicit keep:\n\n")
	if r.keepCancelled || r.opts.ImplicitKeep == nil {
		fmt.Fprintf(w, "  (none)\n")
		return
	}
	printEntry(w, env, r.opts.ImplicitKeep(), r.keepEffects)
}

func printEntry(w io.Writer, env *Env, act Action, effects []SideEffect) {
	if p, ok := act.(Printer); ok {
		p.Print(w, env)
	} else {
		fmt.Fprintf(w, " * %s\n", act.Name())
	}
	for _, se := range effects {
		if p, ok := se.(EffectPrinter); ok {
			p.PrintEffect(w)
		}
	}
}
