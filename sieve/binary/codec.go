package binary

import (
	"encoding/binary"
	"fmt"

	"github.com/migadu/sieve/sieve/extension"
)

// Operand tags.
const (
	TagNumber   byte = 'N'
	TagString   byte = 'S'
	TagList     byte = 'L'
	TagAddress  byte = 'A'
	TagObject   byte = 'O'
	TagOptional byte = 'T'
	TagBlock    byte = 'B'
)

const (
	// HeaderLen is the size of an instruction header: extension index,
	// opcode and operand count.
	HeaderLen = 3
	// MaxOperands is the number of operands one instruction can carry.
	MaxOperands = 255
	// AddressLen is the encoded size of an address operand body.
	AddressLen = 4
)

// ObjectRef references an object by class, local extension index and code.
type ObjectRef struct {
	Class extension.ObjectClass
	Ext   byte
	Code  uint64
}

// Operand is one decoded operand.
type Operand struct {
	Tag    byte
	Number uint64
	Str    string
	List   []string
	Addr   uint32
	Object ObjectRef
	ID     byte
	Block  int
}

// Emitter builds the code of one block.
type Emitter struct {
	code  []byte
	instr int
	err   error
}

func NewEmitter() *Emitter {
	return &Emitter{instr: -1}
}

func (e *Emitter) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf(format, args...)
	}
}

// Err returns the first emission error.
func (e *Emitter) Err() error { return e.err }

// Offset returns the offset the next instruction will be emitted at.
func (e *Emitter) Offset() int { return len(e.code) }

// Bytes returns the emitted code.
func (e *Emitter) Bytes() []byte { return e.code }

// Begin starts a new instruction and returns its offset.
func (e *Emitter) Begin(ext, op byte) int {
	e.instr = len(e.code)
	e.code = append(e.code, ext, op, 0)
	return e.instr
}

func (e *Emitter) operand(tag byte) {
	if e.instr < 0 {
		e.fail("operand emitted outside an instruction")
		return
	}
	if e.code[e.instr+2] == MaxOperands {
		e.fail("too many operands at offset %d", e.instr)
		return
	}
	e.code[e.instr+2]++
	e.code = append(e.code, tag)
}

func (e *Emitter) Number(n uint64) {
	e.operand(TagNumber)
	e.code = binary.AppendUvarint(e.code, n)
}

func (e *Emitter) String(s string) {
	e.operand(TagString)
	e.code = binary.AppendUvarint(e.code, uint64(len(s)))
	e.code = append(e.code, s...)
}

func (e *Emitter) StringList(list []string) {
	e.operand(TagList)
	e.code = binary.AppendUvarint(e.code, uint64(len(list)))
	for _, s := range list {
		e.code = binary.AppendUvarint(e.code, uint64(len(s)))
		e.code = append(e.code, s...)
	}
}

// Address emits a placeholder address and returns its patch offset.
func (e *Emitter) Address() int {
	e.operand(TagAddress)
	at := len(e.code)
	e.code = append(e.code, 0, 0, 0, 0)
	return at
}

// PatchAddress fills in an address emitted earlier.
func (e *Emitter) PatchAddress(at, target int) {
	if at < 1 || at+AddressLen > len(e.code) || e.code[at-1] != TagAddress {
		e.fail("invalid address patch offset %d", at)
		return
	}
	binary.BigEndian.PutUint32(e.code[at:], uint32(target))
}

func (e *Emitter) Object(ref ObjectRef) {
	e.operand(TagObject)
	e.code = append(e.code, byte(ref.Class), ref.Ext)
	e.code = binary.AppendUvarint(e.code, ref.Code)
}

// Optional marks the next operand as the optional argument id.
func (e *Emitter) Optional(id byte) {
	e.operand(TagOptional)
	e.code = append(e.code, id)
}

func (e *Emitter) Block(idx int) {
	e.operand(TagBlock)
	e.code = binary.AppendUvarint(e.code, uint64(idx))
}

type decoder struct {
	data []byte
	pos  int
	base int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, corruptf("truncated operand at offset %d", d.base+d.pos)
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, corruptf("bad number at offset %d", d.base+d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.data)-d.pos) {
		return "", corruptf("string exceeds code at offset %d", d.base+d.pos)
	}
	s := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) operand() (Operand, error) {
	tag, err := d.readByte()
	if err != nil {
		return Operand{}, err
	}
	op := Operand{Tag: tag}
	switch tag {
	case TagNumber:
		op.Number, err = d.uvarint()
	case TagString:
		op.Str, err = d.str()
	case TagList:
		var n uint64
		if n, err = d.uvarint(); err != nil {
			break
		}
		if n > uint64(len(d.data)-d.pos) {
			err = corruptf("string list exceeds code at offset %d", d.base+d.pos)
			break
		}
		op.List = make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			var s string
			if s, err = d.str(); err != nil {
				break
			}
			op.List = append(op.List, s)
		}
	case TagAddress:
		if len(d.data)-d.pos < AddressLen {
			err = corruptf("truncated address at offset %d", d.base+d.pos)
			break
		}
		op.Addr = binary.BigEndian.Uint32(d.data[d.pos:])
		d.pos += AddressLen
	case TagObject:
		var class, ext byte
		if class, err = d.readByte(); err != nil {
			break
		}
		if ext, err = d.readByte(); err != nil {
			break
		}
		op.Object = ObjectRef{Class: extension.ObjectClass(class), Ext: ext}
		op.Object.Code, err = d.uvarint()
	case TagOptional:
		op.ID, err = d.readByte()
	case TagBlock:
		var idx uint64
		if idx, err = d.uvarint(); err != nil {
			break
		}
		if idx > uint64(MaxExtensions*MaxExtensions) {
			err = corruptf("block index out of range at offset %d", d.base+d.pos)
			break
		}
		op.Block = int(idx)
	default:
		err = corruptf("unknown operand tag 0x%02x at offset %d", tag, d.base+d.pos-1)
	}
	return op, err
}

// Instruction is one decoded instruction header with its operand bytes.
type Instruction struct {
	Offset int
	Ext    byte
	Op     byte
	Count  int
	End    int

	operands []byte
}

// Decode decodes the instruction at pc, checking that all its operands
// are well formed and inside code.
func Decode(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc+HeaderLen > len(code) {
		return Instruction{}, corruptf("truncated instruction at offset %d", pc)
	}
	in := Instruction{Offset: pc, Ext: code[pc], Op: code[pc+1], Count: int(code[pc+2])}
	d := &decoder{data: code, pos: pc + HeaderLen}
	for i := 0; i < in.Count; i++ {
		if _, err := d.operand(); err != nil {
			return Instruction{}, err
		}
	}
	in.End = d.pos
	in.operands = code[pc+HeaderLen : in.End]
	return in, nil
}

// Operands returns a reader bounded to this instruction.
func (in Instruction) Operands() *OperandReader {
	return &OperandReader{d: decoder{data: in.operands, base: in.Offset + HeaderLen}, left: in.Count}
}

// OperandReader reads the operands of one instruction. Reading past the
// instruction or reading an operand with an unexpected tag yields ErrCorrupt.
type OperandReader struct {
	d    decoder
	left int
}

// Remaining returns the number of operands not read yet.
func (r *OperandReader) Remaining() int { return r.left }

func (r *OperandReader) peek() (byte, bool) {
	if r.left == 0 || r.d.pos >= len(r.d.data) {
		return 0, false
	}
	return r.d.data[r.d.pos], true
}

func (r *OperandReader) next(want byte) (Operand, error) {
	if r.left == 0 {
		return Operand{}, corruptf("missing operand at offset %d", r.d.base+r.d.pos)
	}
	op, err := r.d.operand()
	if err != nil {
		return Operand{}, err
	}
	r.left--
	if want != 0 && op.Tag != want {
		return Operand{}, corruptf("expected operand %q, found %q at offset %d", want, op.Tag, r.d.base+r.d.pos)
	}
	return op, nil
}

// Next reads any operand.
func (r *OperandReader) Next() (Operand, error) {
	return r.next(0)
}

// Optional consumes an optional marker when one is next. ok is false when
// the next operand is not optional or there are no operands left.
func (r *OperandReader) Optional() (id byte, ok bool, err error) {
	if tag, more := r.peek(); !more || tag != TagOptional {
		return 0, false, nil
	}
	op, err := r.next(TagOptional)
	if err != nil {
		return 0, false, err
	}
	if r.left == 0 {
		return 0, false, corruptf("optional marker without operand")
	}
	return op.ID, true, nil
}

func (r *OperandReader) Number() (uint64, error) {
	op, err := r.next(TagNumber)
	return op.Number, err
}

func (r *OperandReader) String() (string, error) {
	op, err := r.next(TagString)
	return op.Str, err
}

func (r *OperandReader) StringList() ([]string, error) {
	op, err := r.next(TagList)
	return op.List, err
}

// Strings reads a string or a string list as a list.
func (r *OperandReader) Strings() ([]string, error) {
	op, err := r.next(0)
	if err != nil {
		return nil, err
	}
	switch op.Tag {
	case TagString:
		return []string{op.Str}, nil
	case TagList:
		return op.List, nil
	}
	return nil, corruptf("expected string list, found %q", op.Tag)
}

func (r *OperandReader) Address() (uint32, error) {
	op, err := r.next(TagAddress)
	return op.Addr, err
}

// Object reads an object reference of the given class.
func (r *OperandReader) Object(class extension.ObjectClass) (ObjectRef, error) {
	op, err := r.next(TagObject)
	if err != nil {
		return ObjectRef{}, err
	}
	if op.Object.Class != class {
		return ObjectRef{}, corruptf("expected %s object, found %s", class, op.Object.Class)
	}
	return op.Object, nil
}

func (r *OperandReader) Block() (int, error) {
	op, err := r.next(TagBlock)
	return op.Block, err
}
