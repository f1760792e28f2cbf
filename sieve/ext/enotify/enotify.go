// Package enotify implements the notify command and the
// valid_notify_method test (RFC 5435) with the mailto method (RFC 5436).
package enotify

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/validator"
)

const (
	Name       = "enotify"
	ActionName = "notify"
)

const (
	opNotify byte = iota
	opValidMethod
)

// Optional operand ids of the notify operation.
const (
	optFrom byte = iota + 1
	optImportance
	optOptions
	optMessage
)

// Method is a notification method, selected by URI scheme.
type Method interface {
	extension.Object
	// Parse validates a URI and returns the method context of an action.
	Parse(uri string) (any, error)
	// Duplicate compares with the context of an earlier notification of
	// the same method. It may shrink ctx and reports true when nothing is
	// left to notify.
	Duplicate(ctx, earlier any) bool
	Print(w io.Writer, a *Action)
	Send(ctx context.Context, env *result.Env, a *Action) error
}

type def struct {
	methods []extension.Object
}

// New returns the extension. The mailto method reads its envelope sender
// policy from settings.
func New(settings mail.Settings) extension.Def {
	mailto := &mailtoMethod{envelopeFrom: mail.SettingString(settings, SettingEnvelopeFrom, "")}
	return &def{methods: []extension.Object{mailto}}
}

func (d *def) Name() string { return Name }

func (d *def) Operations() []extension.Operation {
	return []extension.Operation{
		opNotify:      &interpreter.Op{Name: "NOTIFY", Exec: d.execNotify},
		opValidMethod: &interpreter.Op{Name: "VALID_NOTIFY_METHOD", Exec: d.execValidMethod},
	}
}

func (d *def) Objects() []extension.ObjectSet {
	return []extension.ObjectSet{extension.Range(extension.ClassNotifyMethod, d.methods...)}
}

func (d *def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	v.RegisterCommand(ext, &notifyCommand{validator.CommandSpec{Identifier: "notify", Positional: []ast.ArgKind{ast.String}}, d})
	v.RegisterCommand(ext, &validMethodTest{validator.CommandSpec{Identifier: "valid_notify_method", Test: true, Positional: []ast.ArgKind{ast.StringList}}, d})
	v.RegisterTag(ext, "notify", &validator.TagSpec{Identifier: "from", HasParam: true, Param: ast.String})
	v.RegisterTag(ext, "notify", &validator.TagSpec{Identifier: "importance", HasParam: true, Param: ast.String})
	v.RegisterTag(ext, "notify", &validator.TagSpec{Identifier: "options", HasParam: true, Param: ast.StringList})
	v.RegisterTag(ext, "notify", &validator.TagSpec{Identifier: "message", HasParam: true, Param: ast.String})
	return nil
}

func (d *def) method(uri string) (Method, error) {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("invalid notify method URI '%s'", helpers.StrSanitize(uri, 80))
	}
	for _, obj := range d.methods {
		if strings.EqualFold(obj.Identifier(), scheme) {
			return obj.(Method), nil
		}
	}
	return nil, fmt.Errorf("invalid method '%s'", helpers.StrSanitize(scheme, 80))
}

func (d *def) check(uri string) (Method, any, error) {
	m, err := d.method(uri)
	if err != nil {
		return nil, nil, err
	}
	ctx, err := m.Parse(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s URI: %v", m.Identifier(), err)
	}
	return m, ctx, nil
}

type notifyCommand struct {
	validator.CommandSpec
	d *def
}

func (c *notifyCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	ok := true
	if arg := n.FindTag("importance"); arg != nil {
		switch arg.Params[0].Str {
		case "1", "2", "3":
		default:
			v.Errorf(arg.Pos, "invalid :importance value for notify command: %s", helpers.StrSanitize(arg.Params[0].Str, 16))
			ok = false
		}
	}
	if arg := n.FindTag("from"); arg != nil {
		if _, err := helpers.ParseAddress(arg.Params[0].Str); err != nil {
			v.Errorf(arg.Pos, "specified :from address '%s' is invalid for the mailto method", helpers.StrSanitize(arg.Params[0].Str, 80))
			ok = false
		}
	}
	method := n.Positional[0]
	if _, _, err := c.d.check(method.Str); err != nil {
		v.Errorf(method.Pos, "notify command: %v", err)
		ok = false
	}
	return ok
}

func (c *notifyCommand) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, opNotify); err != nil {
		return err
	}
	em := g.Emitter()
	if arg := n.FindTag("from"); arg != nil {
		em.Optional(optFrom)
		em.String(arg.Params[0].Str)
	}
	if arg := n.FindTag("importance"); arg != nil {
		em.Optional(optImportance)
		em.Number(uint64(arg.Params[0].Str[0] - '0'))
	}
	if arg := n.FindTag("options"); arg != nil {
		em.Optional(optOptions)
		g.EmitStrings(arg.Params[0])
	}
	if arg := n.FindTag("message"); arg != nil {
		em.Optional(optMessage)
		em.String(arg.Params[0].Str)
	}
	em.String(n.Positional[0].Str)
	return nil
}

type validMethodTest struct {
	validator.CommandSpec
	d *def
}

func (t *validMethodTest) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, opValidMethod); err != nil {
		return err
	}
	g.EmitStrings(n.Positional[0])
	return nil
}

func (d *def) execNotify(rt *interpreter.Runtime, r *binary.OperandReader) error {
	act := &Action{Importance: 2}
	for {
		id, ok, err := r.Optional()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch id {
		case optFrom:
			act.From, err = r.String()
		case optImportance:
			var imp uint64
			imp, err = r.Number()
			act.Importance = int(imp)
		case optOptions:
			act.Options, err = r.Strings()
		case optMessage:
			act.Message, err = r.String()
		default:
			return fmt.Errorf("%w: unknown notify operand %d", binary.ErrCorrupt, id)
		}
		if err != nil {
			return err
		}
	}
	uri, err := r.String()
	if err != nil {
		return err
	}
	if act.Importance < 1 || act.Importance > 3 {
		act.Importance = 2
	}

	m, ctx, err := d.check(uri)
	if err != nil {
		rt.Errorf("notify action: %v", err)
		return result.ErrRuntime
	}
	act.Method, act.URI, act.ctx = m, uri, ctx
	return rt.AddAction(act, nil, true)
}

func (d *def) execValidMethod(rt *interpreter.Runtime, r *binary.OperandReader) error {
	uris, err := r.Strings()
	if err != nil {
		return err
	}
	outcome := true
	for _, uri := range uris {
		if _, _, err := d.check(uri); err != nil {
			outcome = false
			break
		}
	}
	rt.TraceTest("valid_notify_method", outcome)
	return rt.Push(outcome)
}

// Action is a pending notification.
type Action struct {
	Method     Method
	URI        string
	From       string
	Importance int
	Options    []string
	Message    string

	ctx any
}

func (a *Action) Name() string { return ActionName }

// Context returns the method specific context, e.g. a *MailtoURI.
func (a *Action) Context() any { return a.ctx }

func (a *Action) CheckDuplicate(_ *result.Env, earlier result.Action) (bool, error) {
	prev, ok := earlier.(*Action)
	if !ok || prev.Method != a.Method {
		return false, nil
	}
	return a.Method.Duplicate(a.ctx, prev.ctx), nil
}

func (a *Action) Print(w io.Writer, _ *result.Env) {
	fmt.Fprintf(w, " * send notification with method '%s:':\n", a.Method.Identifier())
	a.Method.Print(w, a)
}

func (a *Action) Commit(ctx context.Context, env *result.Env) error {
	return a.Method.Send(ctx, env, a)
}
