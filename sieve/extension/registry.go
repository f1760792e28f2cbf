// Package extension holds the extension registry and the capability
// interfaces shared by the validator, generator, interpreter and binary
// verifier.
package extension

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNotFound  = errors.New("extension not found")
	ErrFrozen    = errors.New("extension registry is frozen")
	ErrDuplicate = errors.New("extension already registered")
)

// HiddenPrefix marks extensions that are never advertised or requireable,
// such as the core language.
const HiddenPrefix = "@"

// Def describes an extension. Behaviour is discovered through the optional
// Loader, Unloader, OperationProvider and ObjectProvider interfaces, and
// through the validator and interpreter hook interfaces.
type Def interface {
	Name() string
}

// Loader is called once when the extension is registered. The returned
// value becomes the extension context.
type Loader interface {
	Load(ext *Extension) (any, error)
}

// Unloader releases whatever Load acquired.
type Unloader interface {
	Unload(ext *Extension)
}

// OperationProvider lists the bytecode operations of an extension. The
// position in the slice is the opcode.
type OperationProvider interface {
	Operations() []Operation
}

// ObjectProvider lists the object sets an extension contributes.
type ObjectProvider interface {
	Objects() []ObjectSet
}

// Operation is a bytecode operation. Executable operations additionally
// implement the interpreter's execution interface.
type Operation interface {
	Mnemonic() string
}

// Extension is a registered extension. It is immutable after registration.
type Extension struct {
	ID      int
	Name    string
	Def     Def
	Context any
}

func (e *Extension) String() string {
	return fmt.Sprintf("%s(%d)", e.Name, e.ID)
}

// Hidden reports whether the extension is internal.
func (e *Extension) Hidden() bool {
	return strings.HasPrefix(e.Name, HiddenPrefix)
}

// Operation returns the operation with the given opcode.
func (e *Extension) Operation(code byte) (Operation, bool) {
	p, ok := e.Def.(OperationProvider)
	if !ok {
		return nil, false
	}
	ops := p.Operations()
	if int(code) >= len(ops) {
		return nil, false
	}
	return ops[code], true
}

// OperationCode returns the opcode of op within this extension.
func (e *Extension) OperationCode(op Operation) (byte, bool) {
	p, ok := e.Def.(OperationProvider)
	if !ok {
		return 0, false
	}
	for i, o := range p.Operations() {
		if o == op {
			return byte(i), true
		}
	}
	return 0, false
}

// ObjectSet returns the extension's object set of the given class.
func (e *Extension) ObjectSet(class ObjectClass) ObjectSet {
	p, ok := e.Def.(ObjectProvider)
	if !ok {
		return nil
	}
	for _, set := range p.Objects() {
		if set.Class() == class {
			return set
		}
	}
	return nil
}

// FindObject looks up an object of the given class by identifier.
func (e *Extension) FindObject(class ObjectClass, identifier string) (Object, bool) {
	set := e.ObjectSet(class)
	if set == nil {
		return nil, false
	}
	for _, obj := range set.Objects() {
		if obj.Identifier() == identifier {
			return obj, true
		}
	}
	return nil, false
}

// ResolveObject maps an object code back to the object.
func (e *Extension) ResolveObject(class ObjectClass, code uint64) (Object, bool) {
	set := e.ObjectSet(class)
	if set == nil {
		return nil, false
	}
	return set.Resolve(code)
}

// Registry maps extension names and IDs to registered extensions. It is
// built explicitly at startup and frozen before any evaluation; after
// Freeze it is read-only and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	exts   []*Extension
	byName map[string]*Extension
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Extension)}
}

// Register adds an extension. IDs are assigned in registration order.
func (r *Registry) Register(def Def) (*Extension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil, ErrFrozen
	}
	name := def.Name()
	if name == "" {
		return nil, fmt.Errorf("extension name must not be empty")
	}
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	ext := &Extension{ID: len(r.exts), Name: name, Def: def}
	if l, ok := def.(Loader); ok {
		ctx, err := l.Load(ext)
		if err != nil {
			return nil, fmt.Errorf("failed to load extension %s: %w", name, err)
		}
		ext.Context = ctx
	}

	r.exts = append(r.exts, ext)
	r.byName[name] = ext
	return ext, nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(def Def) *Extension {
	ext, err := r.Register(def)
	if err != nil {
		panic(err)
	}
	return ext
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Load returns the registered extension with the given name.
func (r *Registry) Load(name string) (*Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ext, nil
}

// ByID returns the extension with the given registry ID.
func (r *Registry) ByID(id int) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= len(r.exts) {
		return nil, false
	}
	return r.exts[id], true
}

// Extensions returns all registered extensions in ID order.
func (r *Registry) Extensions() []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Extension, len(r.exts))
	copy(out, r.exts)
	return out
}

// Capabilities lists the names of the advertised extensions in
// registration order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps []string
	for _, ext := range r.exts {
		if !ext.Hidden() {
			caps = append(caps, ext.Name)
		}
	}
	return caps
}

// Unload calls every Unloader in reverse registration order.
func (r *Registry) Unload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.exts) - 1; i >= 0; i-- {
		ext := r.exts[i]
		if u, ok := ext.Def.(Unloader); ok {
			u.Unload(ext)
		}
	}
}
