package back

import (
	"fmt"
	"math"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
	"github.com/mcclang/mcc/src/compiler/ir"
)

// emitInstr serializes one instruction in Intel syntax.
func emitInstr(b []byte, x x86.Instr) []byte {
	switch x := x.(type) {
	case x86.Label:
		return fmt.Appendf(b, "%s:\n", x.Name)
	case x86.Mov:
		return fmt.Appendf(b, "\tmov %s, %s\n", x86.FormatArg(x.Dst, x.Size), x86.FormatArg(x.Src, x.Size))
	case x86.Movsx:
		op := "movsx"

		if x.SrcSize == 4 && x.DstSize == 8 {
			op = "movsxd"
		}

		return fmt.Appendf(b, "\t%s %s, %s\n", op, x86.FormatArg(x.Dst, x.DstSize), x86.FormatArg(x.Src, x.SrcSize))
	case x86.Movzx:
		return fmt.Appendf(b, "\tmovzx %s, %s\n", x86.FormatArg(x.Dst, x.DstSize), x86.FormatArg(x.Src, x.SrcSize))
	case x86.Lea:
		return fmt.Appendf(b, "\tlea %s, %s\n", x.Dst.Name(8), x86.FormatArg(x.Src, 0))
	case x86.ALU:
		return fmt.Appendf(b, "\t%s %s, %s\n", x.Op, x86.FormatArg(x.Dst, x.Size), x86.FormatArg(x.Src, x.Size))
	case x86.Unary:
		return fmt.Appendf(b, "\t%s %s\n", x.Op, x86.FormatArg(x.Dst, x.Size))
	case x86.Shift:
		if x.ByCL {
			return fmt.Appendf(b, "\t%s %s, cl\n", x.Op, x86.FormatArg(x.Dst, x.Size))
		}

		return fmt.Appendf(b, "\t%s %s, %d\n", x.Op, x86.FormatArg(x.Dst, x.Size), x.Imm)
	case x86.Cdq:
		return append(b, "\tcdq\n"...)
	case x86.Cqo:
		return append(b, "\tcqo\n"...)
	case x86.Idiv:
		return fmt.Appendf(b, "\tidiv %s\n", x86.FormatArg(x.Src, x.Size))
	case x86.Setcc:
		return fmt.Appendf(b, "\tset%s %s\n", x.Cond, x.Dst.Name(1))
	case x86.Jcc:
		return fmt.Appendf(b, "\tj%s %s\n", x.Cond, x.Target)
	case x86.Jmp:
		return fmt.Appendf(b, "\tjmp %s\n", x.Target)
	case x86.Call:
		return fmt.Appendf(b, "\tcall %s\n", x.Sym)
	case x86.CallReg:
		return fmt.Appendf(b, "\tcall %s\n", x.Reg.Name(8))
	case x86.Ret:
		return append(b, "\tret\n"...)
	case x86.Push:
		return fmt.Appendf(b, "\tpush %s\n", x.Reg.Name(8))
	case x86.Pop:
		return fmt.Appendf(b, "\tpop %s\n", x.Reg.Name(8))
	case x86.FrameAlloc:
		if x.Bytes == 0 {
			return b
		}

		return fmt.Appendf(b, "\tsub rsp, %d\n", x.Bytes)
	case x86.FrameRelease:
		if x.Bytes == 0 {
			return b
		}

		return fmt.Appendf(b, "\tadd rsp, %d\n", x.Bytes)
	case x86.SSE:
		return fmt.Appendf(b, "\t%s %s, %s\n", x.Op, x86.FormatArg(x.Dst, 0), x86.FormatArg(x.Src, 0))
	case x86.Cvt:
		return fmt.Appendf(b, "\t%s %s, %s\n", x.Op, x86.FormatArg(x.Dst, 8), x86.FormatArg(x.Src, 8))
	case x86.Raw:
		return fmt.Appendf(b, "\t%s\n", x.Text)
	default:
		panic(fmt.Sprintf("unhandled instruction: %T", x))
	}
}

// EmitProgram serializes the whole translation unit: data
// section, text section, string and float pools, stack note.
func EmitProgram(b []byte, p *ir.Program, funcs map[string][]x86.Instr, order []*ir.Func, floats *floatPool) []byte {
	b = append(b, ".intel_syntax noprefix\n"...)

	if len(p.Globals) > 0 {
		b = append(b, "\n.data\n"...)
	}

	for _, g := range p.Globals {
		if g.Extern {
			continue
		}

		if g.Section != "" {
			b = fmt.Appendf(b, ".section %s,\"aw\"\n", g.Section)
		}

		if !g.Static {
			b = fmt.Appendf(b, ".globl %s\n", g.Name)
		}

		if g.Weak {
			b = fmt.Appendf(b, ".weak %s\n", g.Name)
		}

		if g.Align > 1 {
			b = fmt.Appendf(b, ".align %d\n", g.Align)
		}

		b = fmt.Appendf(b, "%s:\n", g.Name)

		if len(g.Data) == 0 {
			b = fmt.Appendf(b, "\t.zero %d\n", g.Size)
		}

		for _, d := range g.Data {
			b = emitData(b, d)
		}

		if g.Section != "" {
			b = append(b, ".data\n"...)
		}
	}

	b = append(b, "\n.text\n"...)

	for _, f := range order {
		asm, ok := funcs[f.Name]
		if !ok {
			continue
		}

		b = append(b, '\n')

		if f.Section != "" {
			b = fmt.Appendf(b, ".section %s,\"ax\"\n", f.Section)
		}

		if !f.Static {
			b = fmt.Appendf(b, ".globl %s\n", f.Name)
		}

		if f.Weak {
			b = fmt.Appendf(b, ".weak %s\n", f.Name)
		}

		for _, x := range asm {
			b = emitInstr(b, x)
		}

		if f.Section != "" {
			b = append(b, ".text\n"...)
		}
	}

	// string pool
	if len(p.StringOrder) > 0 {
		b = append(b, "\n.data\n"...)

		for _, s := range p.StringOrder {
			b = fmt.Appendf(b, "%s:\n\t.asciz %s\n", p.Strings[s], asciz(s))
		}
	}

	// float constant pool
	if len(floats.order) > 0 {
		b = append(b, "\n.section .rodata\n"...)

		for _, bits := range floats.order {
			b = fmt.Appendf(b, "%s:\n\t.quad %d\t# %g\n", floats.labels[bits], bits, floats.vals[bits])
		}
	}

	// constructors and destructors
	for _, f := range order {
		if f.Constructor {
			b = fmt.Appendf(b, "\n.section .init_array,\"aw\"\n\t.quad %s\n", f.Name)
		}

		if f.Destructor {
			b = fmt.Appendf(b, "\n.section .fini_array,\"aw\"\n\t.quad %s\n", f.Name)
		}
	}

	b = append(b, "\n.section .note.GNU-stack,\"\",@progbits\n"...)

	return b
}

func emitData(b []byte, d ir.DataItem) []byte {
	switch {
	case d.Ref != "":
		return fmt.Appendf(b, "\t.quad %s\n", d.Ref)
	case d.Zero > 0:
		return fmt.Appendf(b, "\t.zero %d\n", d.Zero)
	case len(d.Bytes) > 0:
		b = append(b, "\t.byte "...)

		for i, c := range d.Bytes {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = fmt.Appendf(b, "%d", c)
		}

		return append(b, '\n')
	case d.Size == 1:
		return fmt.Appendf(b, "\t.byte %d\n", d.Value)
	case d.Size == 2:
		return fmt.Appendf(b, "\t.short %d\n", d.Value)
	case d.Size == 4:
		return fmt.Appendf(b, "\t.long %d\n", d.Value)
	default:
		return fmt.Appendf(b, "\t.quad %d\n", d.Value)
	}
}

// asciz renders a string literal with the escapes gas accepts.
func asciz(s string) string {
	out := []byte{'"'}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c == '"':
			out = append(out, '\\', '"')
		case c == '\\':
			out = append(out, '\\', '\\')
		case c == '\n':
			out = append(out, '\\', 'n')
		case c == '\t':
			out = append(out, '\\', 't')
		case c >= 32 && c < 127:
			out = append(out, c)
		default:
			out = append(out, fmt.Sprintf("\\%03o", c)...)
		}
	}

	return string(append(out, '"'))
}

func floatBits(v float64, size int) uint64 {
	if size == 4 {
		return uint64(math.Float32bits(float32(v)))
	}

	return math.Float64bits(v)
}
