package ir

import (
	"fmt"
	"strings"
)

// Format renders a function as text. Used for the lowering and
// optimizer dumps and the optimizer idempotence test.
func (f *Func) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "func %s(", f.Name)

	for i, p := range f.Params {
		if i != 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%s v%d", p.Name, p.ID)
	}

	b.WriteString(")\n")

	for i, blk := range f.Blocks {
		fmt.Fprintf(&b, "b%d:\n", i)

		for _, x := range blk.Instrs {
			fmt.Fprintf(&b, "\t%s\n", FormatInstr(x))
		}

		if blk.Term != nil {
			fmt.Fprintf(&b, "\t%s\n", FormatInstr(blk.Term))
		}
	}

	return b.String()
}

func FormatInstr(x any) string {
	switch x := x.(type) {
	case Binary:
		return fmt.Sprintf("v%d = %v %s, %s", x.Dst, x.Op, fmtOp(x.L), fmtOp(x.R))
	case FloatBinary:
		return fmt.Sprintf("v%d = f%v %s, %s", x.Dst, x.Op, fmtOp(x.L), fmtOp(x.R))
	case Unary:
		return fmt.Sprintf("v%d = %v %s", x.Dst, x.Op, fmtOp(x.X))
	case FloatUnary:
		return fmt.Sprintf("v%d = f%v %s", x.Dst, x.Op, fmtOp(x.X))
	case Copy:
		return fmt.Sprintf("v%d = %s", x.Dst, fmtOp(x.Src))
	case Cast:
		return fmt.Sprintf("v%d = cast %s", x.Dst, fmtOp(x.Src))
	case Phi:
		var b strings.Builder

		fmt.Fprintf(&b, "v%d = phi", x.Dst)

		for i, a := range x.Args {
			if i != 0 {
				b.WriteString(",")
			}

			fmt.Fprintf(&b, " [b%d %s]", a.Block, fmtOp(a.Val))
		}

		return b.String()
	case Alloca:
		return fmt.Sprintf("v%d = alloca %d", x.Dst, x.Size)
	case Load:
		v := ""
		if x.Volatile {
			v = " volatile"
		}

		return fmt.Sprintf("v%d = load%s %s", x.Dst, v, fmtOp(x.Addr))
	case Store:
		v := ""
		if x.Volatile {
			v = " volatile"
		}

		return fmt.Sprintf("store%s %s, %s", v, fmtOp(x.Addr), fmtOp(x.Val))
	case GetElementPtr:
		if x.Index == nil {
			return fmt.Sprintf("v%d = gep %s + %d", x.Dst, fmtOp(x.Base), x.Offset)
		}

		return fmt.Sprintf("v%d = gep %s + %s*%d + %d", x.Dst, fmtOp(x.Base), fmtOp(x.Index), x.Scale, x.Offset)
	case Call:
		return fmt.Sprintf("v%d = call %s(%s)", x.Dst, x.Name, fmtOps(x.Args))
	case IndirectCall:
		return fmt.Sprintf("v%d = icall %s(%s)", x.Dst, fmtOp(x.Fn), fmtOps(x.Args))
	case InlineAsm:
		return fmt.Sprintf("asm %q", x.Template)
	case VaStart:
		return fmt.Sprintf("va_start %s", fmtOp(x.List))
	case VaEnd:
		return fmt.Sprintf("va_end %s", fmtOp(x.List))
	case VaCopy:
		return fmt.Sprintf("va_copy %s, %s", fmtOp(x.Dst), fmtOp(x.Src))
	case VaArg:
		return fmt.Sprintf("v%d = va_arg %s", x.Dst, fmtOp(x.List))
	case Br:
		return fmt.Sprintf("br b%d", x.To)
	case CondBr:
		return fmt.Sprintf("condbr %s, b%d, b%d", fmtOp(x.Cond), x.Then, x.Else)
	case Ret:
		if x.Val == nil {
			return "ret"
		}

		return fmt.Sprintf("ret %s", fmtOp(x.Val))
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("?%T", x)
	}
}

func fmtOp(o Operand) string {
	switch o := o.(type) {
	case nil:
		return "<nil>"
	case Const:
		return fmt.Sprintf("%d", int64(o))
	case FConst:
		return fmt.Sprintf("%g", float64(o))
	case Var:
		return fmt.Sprintf("v%d", VarID(o))
	case Global:
		return fmt.Sprintf("@%s", string(o))
	default:
		return fmt.Sprintf("?%T", o)
	}
}

func fmtOps(l []Operand) string {
	var b strings.Builder

	for i, o := range l {
		if i != 0 {
			b.WriteString(", ")
		}

		b.WriteString(fmtOp(o))
	}

	return b.String()
}
