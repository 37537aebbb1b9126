package opt

import "github.com/mcclang/mcc/src/compiler/ir"

// phiRemove deconstructs SSA: for each phi a copy is appended at
// the end of every predecessor, just before its terminator, and
// the phi is deleted. This is the hand-off to register
// allocation; the IR is no longer in SSA form afterwards.
func phiRemove(f *ir.Func) {
	pending := map[ir.BlockID][]ir.Copy{}

	for _, b := range f.Blocks {
		out := b.Instrs[:0]

		for _, x := range b.Instrs {
			p, ok := x.(ir.Phi)
			if !ok {
				out = append(out, x)
				continue
			}

			for _, a := range p.Args {
				pending[a.Block] = append(pending[a.Block], ir.Copy{Dst: p.Dst, Src: a.Val})
			}
		}

		b.Instrs = out
	}

	for bid, copies := range pending {
		b := f.Blocks[bid]

		for _, c := range copies {
			b.Instrs = append(b.Instrs, c)
		}
	}
}
