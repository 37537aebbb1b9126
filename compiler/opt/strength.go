package opt

import (
	"math/bits"

	"github.com/mcclang/mcc/src/compiler/ir"
)

// strength rewrites multiplication, division and remainder by
// powers of two into shifts and masks, integer ops only.
func strength(f *ir.Func) {
	forEachInstr(f, func(x any) any {
		b, ok := x.(ir.Binary)
		if !ok {
			return x
		}

		switch b.Op {
		case ir.Mul:
			if k, ok := pow2(b.R); ok {
				return ir.Binary{Dst: b.Dst, Op: ir.Shl, L: b.L, R: ir.Const(k), Width: b.Width, Signed: b.Signed}
			}

			if k, ok := pow2(b.L); ok {
				return ir.Binary{Dst: b.Dst, Op: ir.Shl, L: b.R, R: ir.Const(k), Width: b.Width, Signed: b.Signed}
			}
		case ir.Div:
			if k, ok := pow2(b.R); ok {
				return ir.Binary{Dst: b.Dst, Op: ir.Shr, L: b.L, R: ir.Const(k), Width: b.Width, Signed: b.Signed}
			}
		case ir.Mod:
			if c, ok := b.R.(ir.Const); ok {
				if _, ok := pow2(b.R); ok {
					return ir.Binary{Dst: b.Dst, Op: ir.And, L: b.L, R: ir.Const(int64(c) - 1), Width: b.Width, Signed: b.Signed}
				}
			}
		}

		return b
	})
}

// pow2 reports k for constants of the form 2^k with k < 63.
func pow2(o ir.Operand) (int64, bool) {
	c, ok := o.(ir.Const)
	if !ok {
		return 0, false
	}

	v := int64(c)

	if v <= 0 || v&(v-1) != 0 {
		return 0, false
	}

	k := int64(bits.TrailingZeros64(uint64(v)))

	if k >= 63 {
		return 0, false
	}

	return k, true
}
