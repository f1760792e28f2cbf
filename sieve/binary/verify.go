package binary

// Verify checks every instruction of every block: the operation must exist,
// operands must be well formed, addresses must point forward to an
// instruction boundary inside the same block, and object and block
// references must resolve.
func (b *Binary) Verify() error {
	for bi, blk := range b.Blocks {
		if err := b.verifyBlock(bi, blk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Binary) verifyBlock(bi int, blk *Block) error {
	code := blk.Code
	starts := make(map[int]bool)
	type jump struct{ from, to int }
	var jumps []jump

	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return corruptf("block %d: %v", bi, err)
		}
		starts[pc] = true

		ext, ok := b.Extension(in.Ext)
		if !ok {
			return corruptf("block %d offset %d: unknown extension index %d", bi, pc, in.Ext)
		}
		if _, ok := ext.Operation(in.Op); !ok {
			return corruptf("block %d offset %d: unknown operation %d of %s", bi, pc, in.Op, ext.Name)
		}

		r := in.Operands()
		for r.Remaining() > 0 {
			op, err := r.Next()
			if err != nil {
				return corruptf("block %d offset %d: %v", bi, pc, err)
			}
			switch op.Tag {
			case TagAddress:
				to := int(op.Addr)
				if to <= pc || to > len(code) {
					return corruptf("block %d offset %d: address %d out of range", bi, pc, to)
				}
				jumps = append(jumps, jump{pc, to})
			case TagObject:
				oext, ok := b.Extension(op.Object.Ext)
				if !ok {
					return corruptf("block %d offset %d: unknown extension index %d", bi, pc, op.Object.Ext)
				}
				if _, ok := oext.ResolveObject(op.Object.Class, op.Object.Code); !ok {
					return corruptf("block %d offset %d: unknown %s object %d of %s", bi, pc, op.Object.Class, op.Object.Code, oext.Name)
				}
			case TagBlock:
				if op.Block < 0 || op.Block >= len(b.Blocks) {
					return corruptf("block %d offset %d: block reference %d out of range", bi, pc, op.Block)
				}
			case TagOptional:
				if r.Remaining() == 0 {
					return corruptf("block %d offset %d: optional marker without operand", bi, pc)
				}
			}
		}
		pc = in.End
	}

	for _, j := range jumps {
		if j.to != len(code) && !starts[j.to] {
			return corruptf("block %d offset %d: address %d is not an instruction", bi, j.from, j.to)
		}
	}
	return nil
}
