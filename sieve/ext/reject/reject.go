// Package reject implements the reject extension (RFC 5429).
package reject

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/validator"
)

const Name = "reject"

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Operations() []extension.Operation {
	return []extension.Operation{&interpreter.Op{Name: "REJECT", Exec: execReject}}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	v.RegisterCommand(ext, &command{validator.CommandSpec{Identifier: "reject", Positional: []ast.ArgKind{ast.String}}})
	return nil
}

type command struct{ validator.CommandSpec }

func (c *command) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, 0); err != nil {
		return err
	}
	g.Emitter().String(n.Positional[0].Str)
	return nil
}

func execReject(rt *interpreter.Runtime, r *binary.OperandReader) error {
	reason, err := r.String()
	if err != nil {
		return err
	}
	return rt.AddAction(&Action{Reason: reason}, nil, false)
}

// Action refuses delivery and returns the reason to the sender.
type Action struct {
	Reason string

	sub mail.Submission
}

func (a *Action) Name() string { return Name }

// CheckConflict makes reject exclusive with every action that delivers
// the message.
func (a *Action) CheckConflict(_ *result.Env, other result.Action) bool {
	switch other.Name() {
	case core.StoreActionName, result.RedirectAction:
		return true
	}
	return false
}

func (a *Action) CheckDuplicate(*result.Env, result.Action) (bool, error) {
	return true, nil
}

func (a *Action) Print(w io.Writer, _ *result.Env) {
	fmt.Fprintf(w, " * reject message with reason: %s\n", helpers.StrSanitize(a.Reason, 256))
}

func (a *Action) Execute(ctx context.Context, env *result.Env) error {
	if env.Msg == nil || env.Msg.ReturnPath == "" {
		logger.Info("Sieve: not sending reject message to null sender")
		return nil
	}
	if env.Mail == nil || env.Mail.Submitter == nil {
		return fmt.Errorf("reject action has no means to send mail")
	}

	var buf bytes.Buffer
	out := &mail.Outgoing{
		From:          postmaster(env.Mail),
		To:            []string{env.Msg.ReturnPath},
		Subject:       "Automatically rejected mail",
		InReplyTo:     env.Msg.ID,
		AutoSubmitted: "auto-replied (rejected)",
		Extra:         []mail.HeaderField{{Name: "Precedence", Value: "bulk"}},
		Body: fmt.Sprintf("Your message to <%s> was automatically rejected:\n%s\n",
			env.Msg.To, a.Reason),
	}
	if err := out.Render(&buf); err != nil {
		return err
	}

	sub, err := env.Mail.Submitter.Start(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: %v", result.ErrTemporary, err)
	}
	a.sub = sub
	if err := sub.AddRecipient(env.Msg.ReturnPath); err != nil {
		return err
	}
	_, err = sub.Writer().Write(buf.Bytes())
	return err
}

func (a *Action) Commit(ctx context.Context, env *result.Env) error {
	if a.sub == nil {
		return nil
	}
	res, err := a.sub.Finish(ctx)
	a.sub = nil
	if err := core.SubmitError(res, err); err != nil {
		return fmt.Errorf("failed to send rejection to <%s>: %w", env.Msg.ReturnPath, err)
	}
	logger.Info("Sieve: rejected message", "sender", env.Msg.ReturnPath, "message_id", env.Msg.ID)
	return nil
}

func (a *Action) Rollback(context.Context, *result.Env) {
	if a.sub != nil {
		a.sub.Abort()
		a.sub = nil
	}
}

func postmaster(env *mail.Environment) string {
	if env.Postmaster != "" {
		return env.Postmaster
	}
	return "postmaster@" + env.Hostname
}
