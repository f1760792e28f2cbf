package extension

// ObjectClass identifies a kind of operand object.
type ObjectClass byte

const (
	ClassComparator ObjectClass = 1 + iota
	ClassMatchType
	ClassAddressPart
	ClassSideEffect
	ClassNotifyMethod
)

func (c ObjectClass) String() string {
	switch c {
	case ClassComparator:
		return "comparator"
	case ClassMatchType:
		return "match-type"
	case ClassAddressPart:
		return "address-part"
	case ClassSideEffect:
		return "side-effect"
	case ClassNotifyMethod:
		return "notify-method"
	default:
		return "unknown"
	}
}

// Object is an operand object such as a comparator or match type.
type Object interface {
	Identifier() string
}

// ObjectSet maps objects of one class to codes and back.
type ObjectSet interface {
	Class() ObjectClass
	Objects() []Object
	Code(obj Object) (uint64, bool)
	Resolve(code uint64) (Object, bool)
}

type singleSet struct {
	class ObjectClass
	obj   Object
}

// Single is an object set holding one object with code 0.
func Single(class ObjectClass, obj Object) ObjectSet {
	return &singleSet{class: class, obj: obj}
}

func (s *singleSet) Class() ObjectClass { return s.class }
func (s *singleSet) Objects() []Object  { return []Object{s.obj} }

func (s *singleSet) Code(obj Object) (uint64, bool) {
	if obj == s.obj {
		return 0, true
	}
	return 0, false
}

func (s *singleSet) Resolve(code uint64) (Object, bool) {
	if code != 0 {
		return nil, false
	}
	return s.obj, true
}

type rangeSet struct {
	class ObjectClass
	objs  []Object
}

// Range is an object set whose codes are the positions of objs.
func Range(class ObjectClass, objs ...Object) ObjectSet {
	return &rangeSet{class: class, objs: objs}
}

func (s *rangeSet) Class() ObjectClass { return s.class }
func (s *rangeSet) Objects() []Object  { return s.objs }

func (s *rangeSet) Code(obj Object) (uint64, bool) {
	for i, o := range s.objs {
		if o == obj {
			return uint64(i), true
		}
	}
	return 0, false
}

func (s *rangeSet) Resolve(code uint64) (Object, bool) {
	if code >= uint64(len(s.objs)) {
		return nil, false
	}
	return s.objs[code], true
}

// Comparator compares strings for match types.
type Comparator interface {
	Object
	Equal(a, b string) bool
}

// SubstringComparator can be used by substring and wildcard matching. Fold
// returns the form in which strings are compared octet by octet.
type SubstringComparator interface {
	Comparator
	Fold(s string) string
}

// MatchType matches a value against a key using a comparator.
type MatchType interface {
	Object
	// NeedsSubstring reports whether the comparator must be a
	// SubstringComparator.
	NeedsSubstring() bool
	Match(cmp Comparator, value, key string) bool
}

// AddressPart selects a part of an address.
type AddressPart interface {
	Object
	Extract(localPart, domain string) (string, bool)
}
