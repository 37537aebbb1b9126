package opt

import "github.com/mcclang/mcc/src/compiler/ir"

// loadForward tracks, per basic block, the last value stored to
// each distinct address, and replaces a load from a just-stored
// address with a copy of the stored value. The map clears on any
// call and on a store to an unknown address. Volatile accesses
// are never forwarded and a volatile store clears the tracking.
func loadForward(f *ir.Func) {
	for _, b := range f.Blocks {
		stored := map[ir.Operand]ir.Operand{}

		for i, x := range b.Instrs {
			switch x := x.(type) {
			case ir.Store:
				if x.Volatile {
					stored = map[ir.Operand]ir.Operand{}
					continue
				}

				if !knownAddr(x.Addr) {
					stored = map[ir.Operand]ir.Operand{}
					continue
				}

				stored[x.Addr] = x.Val
			case ir.Load:
				if x.Volatile {
					continue
				}

				if v, ok := stored[x.Addr]; ok {
					b.Instrs[i] = ir.Copy{Dst: x.Dst, Src: v}
				}
			case ir.Call, ir.IndirectCall, ir.InlineAsm, ir.VaArg:
				stored = map[ir.Operand]ir.Operand{}
			}
		}
	}
}

func knownAddr(o ir.Operand) bool {
	switch o.(type) {
	case ir.Var, ir.Global:
		return true
	default:
		return false
	}
}
