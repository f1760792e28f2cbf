package core

import (
	"fmt"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/validator"
)

// MatchClasses are the object classes selectable by tag on tests that
// match headers.
var MatchClasses = []extension.ObjectClass{extension.ClassMatchType}

// AddressClasses additionally allow address parts.
var AddressClasses = []extension.ObjectClass{extension.ClassMatchType, extension.ClassAddressPart}

type comparatorTag struct {
	validator.TagSpec
}

func (t *comparatorTag) ValidateTag(v *validator.Validator, n *ast.Node, arg *ast.Argument) bool {
	name := arg.Params[0].Str
	ov, ok := v.FindObject(extension.ClassComparator, name)
	if !ok {
		v.Errorf(arg.Pos, "unknown comparator '%s'%s", name, v.ObjectHint(extension.ClassComparator, name))
		return false
	}
	v.UseExtension(ov.Ext)
	arg.Data = ov
	return true
}

// RegisterMatchTags adds the :comparator tag to a test. Match types and
// address parts are picked up through the test's ObjectTags.
func RegisterMatchTags(v *validator.Validator, identifier string) {
	core, ok := v.Registry().ByID(0)
	if !ok {
		return
	}
	v.RegisterTag(core, identifier, &comparatorTag{validator.TagSpec{
		Identifier: "comparator",
		HasParam:   true,
		Param:      ast.String,
		Group:      "comparator",
	}})
}

// ValidateMatch checks that the comparator supports the match type.
func ValidateMatch(v *validator.Validator, n *ast.Node) bool {
	mt, cmp := Is, extension.Comparator(Casemap)
	if ov := validator.TaggedObject(n, extension.ClassMatchType); ov != nil {
		mt = ov.Object.(extension.MatchType)
	}
	if ov := validator.TaggedObject(n, extension.ClassComparator); ov != nil {
		cmp = ov.Object.(extension.Comparator)
	}
	if mt.NeedsSubstring() {
		if _, ok := cmp.(extension.SubstringComparator); !ok {
			v.Errorf(n.Pos, "the :%s match type of the %s %s requires a comparator that supports substring matching, but '%s' does not",
				mt.Identifier(), n.Identifier, n.Kind(), cmp.Identifier())
			return false
		}
	}
	return true
}

func coreObject(g *generator.Generator, class extension.ObjectClass, obj extension.Object) *validator.ObjectValue {
	ext, _ := g.Registry().ByID(0)
	return &validator.ObjectValue{Class: class, Object: obj, Ext: ext}
}

// EmitMatchOperands emits the comparator and match type of n, and its
// address part when withPart is set. Defaults are emitted explicitly.
func EmitMatchOperands(g *generator.Generator, n *ast.Node, withPart bool) error {
	cmp := validator.TaggedObject(n, extension.ClassComparator)
	if cmp == nil {
		cmp = coreObject(g, extension.ClassComparator, Casemap)
	}
	mt := validator.TaggedObject(n, extension.ClassMatchType)
	if mt == nil {
		mt = coreObject(g, extension.ClassMatchType, Is)
	}
	if err := g.EmitObject(cmp); err != nil {
		return err
	}
	if err := g.EmitObject(mt); err != nil {
		return err
	}
	if withPart {
		ap := validator.TaggedObject(n, extension.ClassAddressPart)
		if ap == nil {
			ap = coreObject(g, extension.ClassAddressPart, All)
		}
		if err := g.EmitObject(ap); err != nil {
			return err
		}
	}
	return nil
}

// Matcher is the decoded comparator, match type and address part of a test.
type Matcher struct {
	Cmp  extension.Comparator
	Type extension.MatchType
	Part extension.AddressPart
}

// ReadMatchOperands reads what EmitMatchOperands wrote.
func ReadMatchOperands(rt *interpreter.Runtime, r *binary.OperandReader, withPart bool) (*Matcher, error) {
	m := &Matcher{}
	obj, err := rt.ReadObject(r, extension.ClassComparator)
	if err != nil {
		return nil, err
	}
	if m.Cmp, err = asObject[extension.Comparator](obj); err != nil {
		return nil, err
	}
	if obj, err = rt.ReadObject(r, extension.ClassMatchType); err != nil {
		return nil, err
	}
	if m.Type, err = asObject[extension.MatchType](obj); err != nil {
		return nil, err
	}
	if withPart {
		if obj, err = rt.ReadObject(r, extension.ClassAddressPart); err != nil {
			return nil, err
		}
		if m.Part, err = asObject[extension.AddressPart](obj); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func asObject[T any](obj extension.Object) (T, error) {
	t, ok := obj.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: object %s has the wrong type", binary.ErrCorrupt, obj.Identifier())
	}
	return t, nil
}

// Match reports whether any value matches any key.
func (m *Matcher) Match(values, keys []string) bool {
	for _, value := range values {
		for _, key := range keys {
			if m.Type.Match(m.Cmp, value, key) {
				return true
			}
		}
	}
	return false
}

// MatchAddresses applies the address part to each address before
// matching. Addresses the part does not apply to are skipped.
func (m *Matcher) MatchAddresses(addrs, keys []string) bool {
	values := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		local, domain := helpers.SplitEmailAddress(addr)
		if v, ok := m.Part.Extract(local, domain); ok {
			values = append(values, v)
		}
	}
	return m.Match(values, keys)
}
