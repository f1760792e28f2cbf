package result

import (
	"context"
	"io"

	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/mail"
)

// Env is what actions see while they are checked, printed and executed.
type Env struct {
	Msg      *mail.MessageData
	Mail     *mail.Environment
	Diag     *diag.Handler
	Location diag.Location
	Status   *ExecStatus
}

// Action is a side-effecting decision of a script. Its behaviour is
// discovered through the optional interfaces below.
type Action interface {
	Name() string
}

// DuplicateChecker is asked about every earlier action with the same name.
// A duplicate is dropped and its side effects are merged into the earlier
// action. An action may also shrink itself and report false.
type DuplicateChecker interface {
	CheckDuplicate(env *Env, earlier Action) (bool, error)
}

// ConflictChecker reports whether an action cannot be combined with another.
type ConflictChecker interface {
	CheckConflict(env *Env, other Action) bool
}

type Printer interface {
	Print(w io.Writer, env *Env)
}

type Starter interface {
	Start(ctx context.Context, env *Env) error
}

type Executor interface {
	Execute(ctx context.Context, env *Env) error
}

type Committer interface {
	Commit(ctx context.Context, env *Env) error
}

type RollbackHandler interface {
	Rollback(ctx context.Context, env *Env)
}

// SideEffect modifies how an action is carried out.
type SideEffect interface {
	Name() string
}

type PreExecuter interface {
	PreExecute(ctx context.Context, env *Env, act Action) error
}

type PostExecuter interface {
	PostExecute(ctx context.Context, env *Env, act Action) error
}

type PostCommitter interface {
	PostCommit(ctx context.Context, env *Env, act Action) error
}

type RollbackHook interface {
	RollbackEffect(ctx context.Context, env *Env, act Action)
}

// Merger combines a side effect with one of the same name from a duplicate.
type Merger interface {
	Merge(other SideEffect)
}

// KeepPreserver is implemented by side effects that leave the implicit
// keep in place.
type KeepPreserver interface {
	PreservesImplicitKeep() bool
}

// EffectPrinter prints a side effect below its action.
type EffectPrinter interface {
	PrintEffect(w io.Writer)
}
