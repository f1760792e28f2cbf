package binary

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/migadu/sieve/sieve/extension"
)

const preambleLen = len(Magic) + 4

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("binary: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type payload struct {
	Extensions []string       `cbor:"1,keyasint"`
	Blocks     []blockPayload `cbor:"2,keyasint"`
}

type blockPayload struct {
	Name        string `cbor:"1,keyasint"`
	Location    string `cbor:"2,keyasint"`
	Fingerprint []byte `cbor:"3,keyasint,omitempty"`
	Code        []byte `cbor:"4,keyasint"`
}

// Marshal encodes the container.
func (b *Binary) Marshal() ([]byte, error) {
	p := payload{
		Extensions: make([]string, len(b.Extensions)),
		Blocks:     make([]blockPayload, len(b.Blocks)),
	}
	for i, ext := range b.Extensions {
		p.Extensions[i] = ext.Name
	}
	for i, blk := range b.Blocks {
		p.Blocks[i] = blockPayload{
			Name:        blk.Name,
			Location:    blk.Location,
			Fingerprint: blk.Fingerprint,
			Code:        blk.Code,
		}
	}
	body, err := encMode.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode binary: %w", err)
	}

	out := make([]byte, 0, preambleLen+len(body))
	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint16(out, VersionMajor)
	out = binary.BigEndian.AppendUint16(out, VersionMinor)
	return append(out, body...), nil
}

// WriteTo writes the encoded container to w.
func (b *Binary) WriteTo(w io.Writer) (int64, error) {
	data, err := b.Marshal()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Load decodes and verifies a container.
func Load(data []byte, reg *extension.Registry) (*Binary, error) {
	b, err := Unmarshal(data, reg)
	if err != nil {
		return nil, err
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes a container and resolves its extension table without
// verifying the code.
func Unmarshal(data []byte, reg *extension.Registry) (*Binary, error) {
	if len(data) < preambleLen || string(data[:len(Magic)]) != Magic {
		return nil, corruptf("bad magic")
	}
	major := binary.BigEndian.Uint16(data[len(Magic):])
	minor := binary.BigEndian.Uint16(data[len(Magic)+2:])
	if major != VersionMajor || minor != VersionMinor {
		return nil, corruptf("version %d.%d is not supported (want %d.%d)", major, minor, VersionMajor, VersionMinor)
	}

	var p payload
	if err := cbor.Unmarshal(data[preambleLen:], &p); err != nil {
		return nil, corruptf("bad payload: %v", err)
	}
	if len(p.Extensions) == 0 || len(p.Extensions) > MaxExtensions {
		return nil, corruptf("bad extension table size %d", len(p.Extensions))
	}
	if len(p.Blocks) == 0 {
		return nil, corruptf("no blocks")
	}

	b := &Binary{reg: reg}
	core, ok := reg.ByID(0)
	if !ok || p.Extensions[0] != core.Name {
		return nil, corruptf("extension table does not start with the core")
	}
	for i, name := range p.Extensions {
		ext, err := reg.Load(name)
		if err != nil {
			return nil, corruptf("extension %d (%s) is not loaded", i, name)
		}
		for _, seen := range b.Extensions {
			if seen == ext {
				return nil, corruptf("extension %s listed twice", name)
			}
		}
		b.Extensions = append(b.Extensions, ext)
	}
	for _, bp := range p.Blocks {
		b.Blocks = append(b.Blocks, &Block{
			Name:        bp.Name,
			Location:    bp.Location,
			Fingerprint: bp.Fingerprint,
			Code:        bp.Code,
		})
	}
	return b, nil
}
