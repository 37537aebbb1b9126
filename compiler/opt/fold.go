package opt

import "github.com/mcclang/mcc/src/compiler/ir"

// foldAndDCE interleaves constant folding with dead code
// elimination in a fixpoint loop capped at ten iterations.
func foldAndDCE(f *ir.Func) {
	for iter := 0; iter < 10; iter++ {
		changed := false

		for _, b := range f.Blocks {
			consts := map[ir.VarID]ir.Operand{}

			sub := func(o ir.Operand) ir.Operand {
				if v, ok := o.(ir.Var); ok {
					if c, ok := consts[ir.VarID(v)]; ok {
						return c
					}
				}

				return o
			}

			for i, x := range b.Instrs {
				x = ir.Operands(x, func(o *ir.Operand) {
					n := sub(*o)

					if n != *o {
						*o = n
						changed = true
					}
				})
				b.Instrs[i] = x

				switch x := x.(type) {
				case ir.Binary:
					l, lok := x.L.(ir.Const)
					r, rok := x.R.(ir.Const)

					if lok && rok {
						if v, ok := evalBinary(x.Op, int64(l), int64(r), x.Width, x.Signed); ok {
							b.Instrs[i] = ir.Copy{Dst: x.Dst, Src: ir.Const(v)}
							consts[x.Dst] = ir.Const(v)
							changed = true
						}
					}
				case ir.Unary:
					if c, ok := x.X.(ir.Const); ok {
						v := evalUnary(x.Op, int64(c), x.Width)
						b.Instrs[i] = ir.Copy{Dst: x.Dst, Src: ir.Const(v)}
						consts[x.Dst] = ir.Const(v)
						changed = true
					}
				case ir.Copy:
					switch s := x.Src.(type) {
					case ir.Const:
						consts[x.Dst] = s
					case ir.FConst:
						consts[x.Dst] = s
					}
				}
			}

			if b.Term != nil {
				b.Term = ir.Operands(b.Term, func(o *ir.Operand) {
					n := sub(*o)

					if n != *o {
						*o = n
						changed = true
					}
				})

				if cb, ok := b.Term.(ir.CondBr); ok {
					if c, ok := cb.Cond.(ir.Const); ok {
						to := cb.Else
						if c != 0 {
							to = cb.Then
						}

						b.Term = ir.Br{To: to}
						changed = true
					}
				}
			}
		}

		// dead pure instructions
		uses := useCounts(f)

		for _, b := range f.Blocks {
			out := b.Instrs[:0]

			for _, x := range b.Instrs {
				d := ir.Dst(x)

				if d >= 0 && uses[d] == 0 && ir.Pure(x) {
					changed = true
					continue
				}

				out = append(out, x)
			}

			b.Instrs = out
		}

		if !changed {
			break
		}
	}
}

func evalBinary(op ir.Op, l, r int64, width int, signed bool) (int64, bool) {
	if width == 4 {
		l = int64(int32(l))
		r = int64(int32(r))
	}

	var v int64

	switch op {
	case ir.Add:
		v = l + r
	case ir.Sub:
		v = l - r
	case ir.Mul:
		v = l * r
	case ir.Div:
		if r == 0 {
			return 0, false
		}

		if signed {
			v = l / r
		} else {
			v = int64(uint64(l) / uint64(r))
		}
	case ir.Mod:
		if r == 0 {
			return 0, false
		}

		if signed {
			v = l % r
		} else {
			v = int64(uint64(l) % uint64(r))
		}
	case ir.And:
		v = l & r
	case ir.Or:
		v = l | r
	case ir.Xor:
		v = l ^ r
	case ir.Shl:
		v = l << (uint64(r) & 63)
	case ir.Shr:
		if signed {
			v = l >> (uint64(r) & 63)
		} else if width == 4 {
			v = int64(uint32(l) >> (uint64(r) & 31))
		} else {
			v = int64(uint64(l) >> (uint64(r) & 63))
		}
	case ir.Eq:
		v = b2i(l == r)
	case ir.Ne:
		v = b2i(l != r)
	case ir.Lt:
		if signed {
			v = b2i(l < r)
		} else {
			v = b2i(uint64(l) < uint64(r))
		}
	case ir.Le:
		if signed {
			v = b2i(l <= r)
		} else {
			v = b2i(uint64(l) <= uint64(r))
		}
	case ir.Gt:
		if signed {
			v = b2i(l > r)
		} else {
			v = b2i(uint64(l) > uint64(r))
		}
	case ir.Ge:
		if signed {
			v = b2i(l >= r)
		} else {
			v = b2i(uint64(l) >= uint64(r))
		}
	default:
		return 0, false
	}

	if width == 4 {
		v = int64(int32(v))
	}

	return v, true
}

func evalUnary(op ir.Op, x int64, width int) int64 {
	var v int64

	switch op {
	case ir.Neg:
		v = -x
	case ir.BitNot:
		v = ^x
	case ir.LogNot:
		v = b2i(x == 0)
	}

	if width == 4 {
		v = int64(int32(v))
	}

	return v
}

func b2i(b bool) int64 {
	if b {
		return 1
	}

	return 0
}
