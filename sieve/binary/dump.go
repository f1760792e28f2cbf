package binary

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/migadu/sieve/sieve/extension"
)

// Dump writes a disassembly of the container.
func Dump(w io.Writer, b *Binary) error {
	fmt.Fprintf(w, "Binary version %d.%d\n", VersionMajor, VersionMinor)
	fmt.Fprintf(w, "Extensions:\n")
	for i, ext := range b.Extensions {
		fmt.Fprintf(w, "  %3d: %s\n", i, ext.Name)
	}
	for bi, blk := range b.Blocks {
		fmt.Fprintf(w, "Block %d: %s (%s)\n", bi, blk.Name, blk.Location)
		if len(blk.Fingerprint) > 0 {
			fmt.Fprintf(w, "  fingerprint: %s\n", hex.EncodeToString(blk.Fingerprint))
		}
		for pc := 0; pc < len(blk.Code); {
			in, err := Decode(blk.Code, pc)
			if err != nil {
				fmt.Fprintf(w, "  %08x: <%v>\n", pc, err)
				return err
			}
			fmt.Fprintf(w, "  %08x: %s\n", pc, b.FormatInstruction(in))
			pc = in.End
		}
	}
	return nil
}

// FormatInstruction renders one instruction with its mnemonic and operands.
func (b *Binary) FormatInstruction(in Instruction) string {
	var sb strings.Builder
	ext, ok := b.Extension(in.Ext)
	name := fmt.Sprintf("ext%d.op%d", in.Ext, in.Op)
	if ok {
		if op, found := ext.Operation(in.Op); found {
			name = op.Mnemonic()
		}
	}
	sb.WriteString(name)

	r := in.Operands()
	sep := " "
	for r.Remaining() > 0 {
		op, err := r.Next()
		if err != nil {
			sb.WriteString(" <" + err.Error() + ">")
			break
		}
		sb.WriteString(sep)
		sep = " "
		switch op.Tag {
		case TagNumber:
			fmt.Fprintf(&sb, "%d", op.Number)
		case TagString:
			sb.WriteString(quote(op.Str))
		case TagList:
			quoted := make([]string, len(op.List))
			for i, s := range op.List {
				quoted[i] = quote(s)
			}
			sb.WriteString("[" + strings.Join(quoted, ", ") + "]")
		case TagAddress:
			fmt.Fprintf(&sb, "-> %08x", op.Addr)
		case TagObject:
			sb.WriteString(b.formatObject(op.Object))
		case TagOptional:
			fmt.Fprintf(&sb, "opt%d:", op.ID)
			sep = ""
		case TagBlock:
			blockName := "?"
			if blk, ok := b.Block(op.Block); ok {
				blockName = blk.Name
			}
			fmt.Fprintf(&sb, "block %d (%s)", op.Block, blockName)
		}
	}
	return sb.String()
}

func (b *Binary) formatObject(ref ObjectRef) string {
	if ext, ok := b.Extension(ref.Ext); ok {
		if obj, ok := ext.ResolveObject(ref.Class, ref.Code); ok {
			return fmt.Sprintf("%s(%s)", ref.Class, obj.Identifier())
		}
	}
	return fmt.Sprintf("%s(ext%d:%d)", ref.Class, ref.Ext, ref.Code)
}

func quote(s string) string {
	const maxQuoted = 80
	if len(s) > maxQuoted {
		return fmt.Sprintf("%q...", s[:maxQuoted])
	}
	return fmt.Sprintf("%q", s)
}

// ResolveObject maps an object reference in this binary to its object.
func (b *Binary) ResolveObject(ref ObjectRef) (extension.Object, *extension.Extension, error) {
	ext, ok := b.Extension(ref.Ext)
	if !ok {
		return nil, nil, corruptf("unknown extension index %d", ref.Ext)
	}
	obj, ok := ext.ResolveObject(ref.Class, ref.Code)
	if !ok {
		return nil, nil, corruptf("unknown %s object %d of %s", ref.Class, ref.Code, ext.Name)
	}
	return obj, ext, nil
}
