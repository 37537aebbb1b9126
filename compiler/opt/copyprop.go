package opt

import "github.com/mcclang/mcc/src/compiler/ir"

// copyprop collects all Copy instructions, transitively resolves
// chains with cycle detection, rewrites every operand reference
// and drops the dead copies. Only single-definition copies
// qualify: after phi removal a destination can carry one copy
// per predecessor and those must stay.
func copyprop(f *ir.Func) {
	defs := map[ir.VarID]int{}

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if d := ir.Dst(x); d >= 0 {
				defs[d]++
			}
		}
	}

	copies := map[ir.VarID]ir.Operand{}

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if c, ok := x.(ir.Copy); ok && defs[c.Dst] == 1 {
				copies[c.Dst] = c.Src
			}
		}
	}

	if len(copies) == 0 {
		return
	}

	resolve := func(o ir.Operand) ir.Operand {
		seen := map[ir.VarID]bool{}

		for {
			v, ok := o.(ir.Var)
			if !ok {
				return o
			}

			if seen[ir.VarID(v)] {
				return o
			}

			seen[ir.VarID(v)] = true

			src, ok := copies[ir.VarID(v)]
			if !ok {
				return o
			}

			o = src
		}
	}

	rewriteOperands(f, resolve)

	for _, b := range f.Blocks {
		out := b.Instrs[:0]

		for _, x := range b.Instrs {
			if c, ok := x.(ir.Copy); ok {
				if _, dead := copies[c.Dst]; dead {
					continue
				}
			}

			out = append(out, x)
		}

		b.Instrs = out
	}
}
