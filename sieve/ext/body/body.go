// Package body implements the body test (RFC 5173).
package body

import (
	"strings"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/validator"
)

const Name = "body"

// Body transforms.
const (
	TransformRaw uint64 = iota
	TransformText
	TransformContent
)

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Operations() []extension.Operation {
	return []extension.Operation{&interpreter.Op{Name: "BODY", Exec: execBody}}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	v.RegisterCommand(ext, &test{validator.CommandSpec{
		Identifier: "body",
		Test:       true,
		Positional: []ast.ArgKind{ast.StringList},
		ObjectTags: core.MatchClasses,
	}})
	core.RegisterMatchTags(v, "body")
	v.RegisterTag(ext, "body", &validator.TagSpec{Identifier: "raw", Group: "transform"})
	v.RegisterTag(ext, "body", &validator.TagSpec{Identifier: "text", Group: "transform"})
	v.RegisterTag(ext, "body", &validator.TagSpec{Identifier: "content", HasParam: true, Param: ast.StringList, Group: "transform"})
	return nil
}

type test struct{ validator.CommandSpec }

func (t *test) Validate(v *validator.Validator, n *ast.Node) bool {
	if arg := n.FindTag("content"); arg != nil {
		for _, ct := range arg.Params[0].Strings() {
			if strings.ContainsAny(ct, " \t;") || strings.Count(ct, "/") > 1 {
				v.Errorf(arg.Params[0].Pos, "invalid content type '%s' specified for the :content tag of the body test", helpers.StrSanitize(ct, 80))
				return false
			}
		}
	}
	return core.ValidateMatch(v, n)
}

func (t *test) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, 0); err != nil {
		return err
	}
	if err := core.EmitMatchOperands(g, n, false); err != nil {
		return err
	}
	switch {
	case n.FindTag("raw") != nil:
		g.Emitter().Number(TransformRaw)
	case n.FindTag("content") != nil:
		g.Emitter().Number(TransformContent)
		g.EmitStrings(n.FindTag("content").Params[0])
	default:
		g.Emitter().Number(TransformText)
	}
	g.EmitStrings(n.Positional[0])
	return nil
}

func execBody(rt *interpreter.Runtime, r *binary.OperandReader) error {
	m, err := core.ReadMatchOperands(rt, r, false)
	if err != nil {
		return err
	}
	transform, err := r.Number()
	if err != nil {
		return err
	}
	var types []string
	if transform == TransformContent {
		if types, err = r.Strings(); err != nil {
			return err
		}
	}
	keys, err := r.Strings()
	if err != nil {
		return err
	}

	values, err := Values(rt.Message(), transform, types)
	if err != nil {
		rt.Warningf("failed to extract message body: %v", err)
		return rt.Push(false)
	}
	outcome := m.Match(values, keys)
	rt.TraceTest("body", outcome)
	return rt.Push(outcome)
}

// Values returns the strings the body test matches against.
func Values(msg *mail.MessageData, transform uint64, types []string) ([]string, error) {
	if transform == TransformRaw {
		return []string{string(msg.Body())}, nil
	}
	ent, err := msg.Entity()
	if err != nil {
		return nil, err
	}
	if transform == TransformText {
		return helpers.ExtractText(ent)
	}
	parts, err := helpers.ExtractParts(ent)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range parts {
		if contentMatches(p.ContentType, types) {
			out = append(out, p.Content)
		}
	}
	return out, nil
}

// contentMatches matches a media type against :content types. An empty
// type matches everything and a bare type matches all its subtypes.
func contentMatches(mediaType string, types []string) bool {
	mediaType = strings.ToLower(mediaType)
	main, _, _ := strings.Cut(mediaType, "/")
	for _, t := range types {
		t = strings.ToLower(t)
		switch {
		case t == "":
			return true
		case !strings.Contains(t, "/"):
			if t == main {
				return true
			}
		case t == mediaType:
			return true
		}
	}
	return false
}
