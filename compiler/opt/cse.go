package opt

import (
	"fmt"

	"github.com/mcclang/mcc/src/compiler/ir"
)

// cse hashes every Binary per basic block by a canonical key and
// replaces duplicates with a copy of the first result. The table
// resets at block boundaries.
func cse(f *ir.Func) {
	for _, b := range f.Blocks {
		seen := map[string]ir.VarID{}

		for i, x := range b.Instrs {
			bin, ok := x.(ir.Binary)
			if !ok {
				continue
			}

			key := cseKey(bin)

			if first, ok := seen[key]; ok {
				b.Instrs[i] = ir.Copy{Dst: bin.Dst, Src: ir.Var(first)}
				continue
			}

			seen[key] = bin.Dst
		}
	}
}

// cseKey sorts operands of commutative ops so a+b and b+a match.
func cseKey(b ir.Binary) string {
	l, r := opKey(b.L), opKey(b.R)

	if b.Op.Commutative() && r < l {
		l, r = r, l
	}

	return fmt.Sprintf("%d/%d/%t/%s/%s", b.Op, b.Width, b.Signed, l, r)
}

func opKey(o ir.Operand) string {
	switch o := o.(type) {
	case ir.Const:
		return fmt.Sprintf("c%d", int64(o))
	case ir.FConst:
		return fmt.Sprintf("f%g", float64(o))
	case ir.Var:
		return fmt.Sprintf("v%d", ir.VarID(o))
	case ir.Global:
		return "g" + string(o)
	default:
		return fmt.Sprintf("?%T", o)
	}
}
