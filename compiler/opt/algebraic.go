package opt

import "github.com/mcclang/mcc/src/compiler/ir"

// algebraic applies the identity table to every integer Binary.
// Comparisons with a constant on the left are normalized to
// constant on the right.
func algebraic(f *ir.Func) {
	forEachInstr(f, func(x any) any {
		b, ok := x.(ir.Binary)
		if !ok {
			return x
		}

		if b.Op.IsComparison() {
			if _, ok := b.L.(ir.Const); ok {
				if _, ok := b.R.(ir.Const); !ok {
					b.L, b.R = b.R, b.L
					b.Op = mirror(b.Op)
				}
			}
		}

		lc, lIsC := b.L.(ir.Const)
		rc, rIsC := b.R.(ir.Const)

		sameOps := b.L == b.R

		switch b.Op {
		case ir.Add:
			if rIsC && rc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if lIsC && lc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.R}
			}
		case ir.Sub:
			if rIsC && rc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if sameOps {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(0)}
			}
		case ir.Mul:
			if rIsC && rc == 0 || lIsC && lc == 0 {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(0)}
			}

			if rIsC && rc == 1 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if lIsC && lc == 1 {
				return ir.Copy{Dst: b.Dst, Src: b.R}
			}

			if rIsC && rc == -1 {
				return ir.Unary{Dst: b.Dst, Op: ir.Neg, X: b.L, Width: b.Width, Signed: b.Signed}
			}

			if lIsC && lc == -1 {
				return ir.Unary{Dst: b.Dst, Op: ir.Neg, X: b.R, Width: b.Width, Signed: b.Signed}
			}
		case ir.Div:
			if rIsC && rc == 1 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if rIsC && rc == -1 {
				return ir.Unary{Dst: b.Dst, Op: ir.Neg, X: b.L, Width: b.Width, Signed: b.Signed}
			}

			if sameOps {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(1)}
			}
		case ir.Mod:
			if rIsC && rc == 1 {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(0)}
			}
		case ir.And:
			if rIsC && rc == 0 || lIsC && lc == 0 {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(0)}
			}

			if rIsC && rc == -1 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if lIsC && lc == -1 {
				return ir.Copy{Dst: b.Dst, Src: b.R}
			}
		case ir.Or:
			if rIsC && rc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if lIsC && lc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.R}
			}

			if rIsC && rc == -1 || lIsC && lc == -1 {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(-1)}
			}
		case ir.Xor:
			if rIsC && rc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}

			if lIsC && lc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.R}
			}

			if sameOps {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(0)}
			}
		case ir.Shl, ir.Shr:
			if rIsC && rc == 0 {
				return ir.Copy{Dst: b.Dst, Src: b.L}
			}
		case ir.Eq, ir.Le, ir.Ge:
			if sameOps {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(1)}
			}
		case ir.Ne, ir.Lt, ir.Gt:
			if sameOps {
				return ir.Copy{Dst: b.Dst, Src: ir.Const(0)}
			}
		}

		return b
	})
}

func mirror(op ir.Op) ir.Op {
	switch op {
	case ir.Lt:
		return ir.Gt
	case ir.Gt:
		return ir.Lt
	case ir.Le:
		return ir.Ge
	case ir.Ge:
		return ir.Le
	default:
		return op
	}
}
