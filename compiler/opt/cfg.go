package opt

import "github.com/mcclang/mcc/src/compiler/ir"

// cfgSimplify iterates two rules to a fixpoint: merging a block
// into its unique predecessor, and bypassing empty forwarding
// blocks. Merged blocks are tombstoned with Unreachable so
// BlockId indexing stays valid.
func cfgSimplify(f *ir.Func) {
	for {
		changed := false

		preds := f.Preds()

		// rule a: A's sole successor is B, B's sole predecessor
		// is A, B is not a goto target and has no phis
		for ai, a := range f.Blocks {
			br, ok := a.Term.(ir.Br)
			if !ok {
				continue
			}

			bi := br.To
			b := f.Blocks[bi]

			if int(bi) == ai || b.GotoTarget {
				continue
			}

			if len(preds[bi]) != 1 {
				continue
			}

			if hasPhi(b) {
				continue
			}

			a.Instrs = append(a.Instrs, b.Instrs...)
			a.Term = b.Term

			b.Instrs = nil
			b.Term = ir.Unreachable{}

			changed = true

			break
		}

		if changed {
			continue
		}

		// rule b: bypass empty blocks with an unconditional
		// branch, transitively with cycle detection
		target := func(b ir.BlockID) ir.BlockID {
			seen := map[ir.BlockID]bool{}

			for {
				blk := f.Blocks[b]

				if blk.GotoTarget || len(blk.Instrs) != 0 || seen[b] {
					return b
				}

				br, ok := blk.Term.(ir.Br)
				if !ok {
					return b
				}

				seen[b] = true
				b = br.To
			}
		}

		for _, b := range f.Blocks {
			switch t := b.Term.(type) {
			case ir.Br:
				if to := target(t.To); to != t.To {
					b.Term = ir.Br{To: to}
					changed = true
				}
			case ir.CondBr:
				then, els := target(t.Then), target(t.Else)

				if then != t.Then || els != t.Else {
					b.Term = ir.CondBr{Cond: t.Cond, Then: then, Else: els}
					changed = true
				}
			}
		}

		if !changed {
			break
		}
	}

	// tombstone unreachable blocks
	_, reachable := rpo(f)

	for bi, b := range f.Blocks {
		if reachable[ir.BlockID(bi)] || bi == 0 {
			continue
		}

		b.Instrs = nil
		b.Term = ir.Unreachable{}
	}
}

func hasPhi(b *ir.Block) bool {
	for _, x := range b.Instrs {
		if _, ok := x.(ir.Phi); ok {
			return true
		}
	}

	return false
}
