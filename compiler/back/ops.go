package back

import (
	"strings"

	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

func (g *fgen) instr(x any) error {
	switch x := x.(type) {
	case ir.Binary:
		return g.binary(x)
	case ir.FloatBinary:
		return g.floatBinary(x)
	case ir.Unary:
		return g.unary(x)
	case ir.FloatUnary:
		return g.floatUnary(x)
	case ir.Copy:
		return g.copyInstr(x)
	case ir.Cast:
		return g.cast(x)
	case ir.Alloca:
		// space reserved in the frame
		return nil
	case ir.Load:
		return g.load(x)
	case ir.Store:
		return g.store(x)
	case ir.GetElementPtr:
		return g.gep(x)
	case ir.Call:
		return g.call(x)
	case ir.IndirectCall:
		return g.indirectCall(x)
	case ir.InlineAsm:
		return g.inlineAsm(x)
	case ir.VaStart:
		return g.vaStart(x)
	case ir.VaEnd:
		return nil
	case ir.VaCopy:
		return g.vaCopy(x)
	case ir.VaArg:
		return g.vaArg(x)
	case ir.Phi:
		panic("phi survived to codegen")
	default:
		return errors.New("unsupported instruction: %T", x)
	}
}

// loadInt materializes an integer operand into a scratch or
// allocated register.
func (g *fgen) loadInt(o ir.Operand, dst x86.Reg, size int) error {
	switch o := o.(type) {
	case regOperand:
		g.emit(x86.Mov{Dst: dst, Src: x86.Reg(o), Size: 8})
	case ir.Const:
		g.emit(x86.Mov{Dst: dst, Src: x86.Imm(o), Size: size})
	case ir.Global:
		g.emit(x86.Lea{Dst: dst, Src: x86.RipSym{Name: string(o)}})
	case ir.Var:
		v := ir.VarID(o)

		if off, ok := g.allocas[v]; ok {
			g.emit(x86.Lea{Dst: dst, Src: x86.Mem{Base: x86.RBP, Off: off}})
			return nil
		}

		loc, ok := g.locs[v]
		if !ok {
			return errors.New("no location for v%d", v)
		}

		if loc.Spilled() {
			g.emit(x86.Mov{Dst: dst, Src: x86.Mem{Base: x86.RBP, Off: g.slots[loc.Slot], Size: 8}, Size: 8})
		} else {
			g.emit(x86.Mov{Dst: dst, Src: loc.Reg, Size: 8})
		}
	default:
		return errors.New("bad integer operand: %T", o)
	}

	return nil
}

// loadFloat materializes a float operand into an XMM register.
func (g *fgen) loadFloat(o ir.Operand, dst x86.Reg, size int) error {
	op := "movss"
	if size == 8 {
		op = "movsd"
	}

	switch o := o.(type) {
	case regOperand:
		g.emit(x86.SSE{Op: op, Dst: dst, Src: x86.Reg(o)})
	case ir.FConst:
		l := g.floats.intern(float64(o), size)
		g.emit(x86.SSE{Op: op, Dst: dst, Src: x86.RipSym{Name: l, Size: size}})
	case ir.Const:
		// an integer constant in float context converts
		l := g.floats.intern(float64(int64(o)), size)
		g.emit(x86.SSE{Op: op, Dst: dst, Src: x86.RipSym{Name: l, Size: size}})
	case ir.Var:
		v := ir.VarID(o)

		loc, ok := g.locs[v]
		if !ok {
			return errors.New("no location for v%d", v)
		}

		if loc.Spilled() {
			g.emit(x86.SSE{Op: op, Dst: dst, Src: x86.Mem{Base: x86.RBP, Off: g.slots[loc.Slot], Size: size}})
		} else {
			g.emit(x86.SSE{Op: op, Dst: dst, Src: loc.Reg})
		}
	default:
		return errors.New("bad float operand: %T", o)
	}

	return nil
}

// storeInt moves a scratch register into the variable location.
func (g *fgen) storeInt(v ir.VarID, src x86.Reg) error {
	loc, ok := g.locs[v]
	if !ok {
		// result unused
		return nil
	}

	if loc.Spilled() {
		g.emit(x86.Mov{Dst: x86.Mem{Base: x86.RBP, Off: g.slots[loc.Slot], Size: 8}, Src: src, Size: 8})
	} else {
		g.emit(x86.Mov{Dst: loc.Reg, Src: src, Size: 8})
	}

	return nil
}

func (g *fgen) storeFloat(v ir.VarID, src x86.Reg, size int) error {
	op := "movss"
	if size == 8 {
		op = "movsd"
	}

	loc, ok := g.locs[v]
	if !ok {
		return nil
	}

	if loc.Spilled() {
		g.emit(x86.SSE{Op: op, Dst: x86.Mem{Base: x86.RBP, Off: g.slots[loc.Slot], Size: size}, Src: src})
	} else {
		g.emit(x86.SSE{Op: op, Dst: loc.Reg, Src: src})
	}

	return nil
}

var condNames = map[ir.Op][2]string{
	ir.Eq: {"e", "e"},
	ir.Ne: {"ne", "ne"},
	ir.Lt: {"l", "b"},
	ir.Le: {"le", "be"},
	ir.Gt: {"g", "a"},
	ir.Ge: {"ge", "ae"},
}

func cond(op ir.Op, signed bool) string {
	c := condNames[op]

	if signed {
		return c[0]
	}

	return c[1]
}

func (g *fgen) binary(x ir.Binary) error {
	w := x.Width
	if w != 8 {
		w = 4
	}

	if err := g.loadInt(x.L, scratchInt, 8); err != nil {
		return err
	}

	if err := g.loadInt(x.R, scratchInt2, 8); err != nil {
		return err
	}

	switch x.Op {
	case ir.Add, ir.Sub, ir.Mul, ir.And, ir.Or, ir.Xor:
		ops := map[ir.Op]string{
			ir.Add: "add", ir.Sub: "sub", ir.Mul: "imul",
			ir.And: "and", ir.Or: "or", ir.Xor: "xor",
		}

		g.emit(x86.ALU{Op: ops[x.Op], Dst: scratchInt, Src: scratchInt2, Size: w})
	case ir.Div, ir.Mod:
		if w == 8 {
			g.emit(x86.Cqo{})
		} else {
			g.emit(x86.Cdq{})
		}

		g.emit(x86.Idiv{Src: scratchInt2, Size: w})

		if x.Op == ir.Mod {
			g.emit(x86.Mov{Dst: scratchInt, Src: scratchInt3, Size: w})
		}
	case ir.Shl, ir.Shr:
		op := "shl"

		if x.Op == ir.Shr {
			op = "shr"

			if x.Signed {
				op = "sar"
			}
		}

		g.emit(x86.Shift{Op: op, Dst: scratchInt, ByCL: true, Size: w})
	case ir.Eq, ir.Ne, ir.Lt, ir.Le, ir.Gt, ir.Ge:
		g.emit(x86.ALU{Op: "cmp", Dst: scratchInt, Src: scratchInt2, Size: w})
		g.emit(x86.Setcc{Cond: cond(x.Op, x.Signed), Dst: scratchInt})
		g.emit(x86.Movzx{Dst: scratchInt, Src: scratchInt, SrcSize: 1, DstSize: 4})
	default:
		return errors.New("bad binary op: %v", x.Op)
	}

	return g.storeInt(x.Dst, scratchInt)
}

func (g *fgen) floatBinary(x ir.FloatBinary) error {
	suffix := "ss"
	if x.Width == 8 {
		suffix = "sd"
	}

	if err := g.loadFloat(x.L, scratchFloat, x.Width); err != nil {
		return err
	}

	if err := g.loadFloat(x.R, scratchFloat2, x.Width); err != nil {
		return err
	}

	switch x.Op {
	case ir.Add, ir.Sub, ir.Mul, ir.Div:
		ops := map[ir.Op]string{ir.Add: "add", ir.Sub: "sub", ir.Mul: "mul", ir.Div: "div"}

		g.emit(x86.SSE{Op: ops[x.Op] + suffix, Dst: scratchFloat, Src: scratchFloat2})

		return g.storeFloat(x.Dst, scratchFloat, x.Width)
	case ir.Eq, ir.Ne, ir.Lt, ir.Le, ir.Gt, ir.Ge:
		cmp := "ucomiss"
		if x.Width == 8 {
			cmp = "ucomisd"
		}

		g.emit(x86.SSE{Op: cmp, Dst: scratchFloat, Src: scratchFloat2})

		// ucomi sets the unsigned flags
		g.emit(x86.Setcc{Cond: cond(x.Op, false), Dst: scratchInt})
		g.emit(x86.Movzx{Dst: scratchInt, Src: scratchInt, SrcSize: 1, DstSize: 4})

		return g.storeInt(x.Dst, scratchInt)
	default:
		return errors.New("bad float binary op: %v", x.Op)
	}
}

func (g *fgen) unary(x ir.Unary) error {
	w := x.Width
	if w != 8 {
		w = 4
	}

	if err := g.loadInt(x.X, scratchInt, 8); err != nil {
		return err
	}

	switch x.Op {
	case ir.Neg:
		g.emit(x86.Unary{Op: "neg", Dst: scratchInt, Size: w})
	case ir.BitNot:
		g.emit(x86.Unary{Op: "not", Dst: scratchInt, Size: w})
	case ir.LogNot:
		g.emit(x86.ALU{Op: "cmp", Dst: scratchInt, Src: x86.Imm(0), Size: w})
		g.emit(x86.Setcc{Cond: "e", Dst: scratchInt})
		g.emit(x86.Movzx{Dst: scratchInt, Src: scratchInt, SrcSize: 1, DstSize: 4})
	default:
		return errors.New("bad unary op: %v", x.Op)
	}

	return g.storeInt(x.Dst, scratchInt)
}

func (g *fgen) floatUnary(x ir.FloatUnary) error {
	if x.Op != ir.Neg {
		return errors.New("bad float unary op: %v", x.Op)
	}

	if err := g.loadFloat(x.X, scratchFloat, x.Width); err != nil {
		return err
	}

	// negate by subtracting from +0.0, so 0.0 stays +0.0
	g.emit(x86.SSE{Op: "xorps", Dst: scratchFloat2, Src: scratchFloat2})

	op := "subss"
	if x.Width == 8 {
		op = "subsd"
	}

	g.emit(x86.SSE{Op: op, Dst: scratchFloat2, Src: scratchFloat})

	return g.storeFloat(x.Dst, scratchFloat2, x.Width)
}

func (g *fgen) isFloatVar(v ir.VarID) bool {
	if t, ok := g.f.VarTypes[v]; ok {
		return tp.IsFloat(t)
	}

	return false
}

func (g *fgen) isFloatOperand(o ir.Operand) bool {
	switch o := o.(type) {
	case ir.FConst:
		return true
	case ir.Var:
		return g.isFloatVar(ir.VarID(o))
	default:
		return false
	}
}

func (g *fgen) copyInstr(x ir.Copy) error {
	if g.isFloatOperand(x.Src) || g.isFloatVar(x.Dst) {
		size := 8

		if t, ok := g.f.VarTypes[x.Dst]; ok {
			if f, ok := tp.Unqual(t).(tp.Float); ok && f.Bits == 32 {
				size = 4
			}
		}

		if err := g.loadFloat(x.Src, scratchFloat, size); err != nil {
			return err
		}

		return g.storeFloat(x.Dst, scratchFloat, size)
	}

	if err := g.loadInt(x.Src, scratchInt, 8); err != nil {
		return err
	}

	return g.storeInt(x.Dst, scratchInt)
}

func (g *fgen) cast(x ir.Cast) error {
	ff := tp.IsFloat(x.From)
	tf := tp.IsFloat(x.To)

	switch {
	case !ff && !tf:
		fw, fsigned := intWidth(x.From)
		tw, _ := intWidth(x.To)

		if err := g.loadInt(x.Src, scratchInt, 8); err != nil {
			return err
		}

		if tw > fw {
			if fsigned {
				g.emit(x86.Movsx{Dst: scratchInt, Src: scratchInt, SrcSize: fw, DstSize: tw})
			} else if fw < 4 {
				g.emit(x86.Movzx{Dst: scratchInt, Src: scratchInt, SrcSize: fw, DstSize: tw})
			} else if fw == 4 {
				// 32-bit mov zero extends
				g.emit(x86.Mov{Dst: scratchInt, Src: scratchInt, Size: 4})
			}
		}

		return g.storeInt(x.Dst, scratchInt)
	case !ff && tf:
		fsize := floatWidth(x.To)

		op := "cvtsi2ss"
		if fsize == 8 {
			op = "cvtsi2sd"
		}

		if err := g.loadInt(x.Src, scratchInt, 8); err != nil {
			return err
		}

		g.emit(x86.Cvt{Op: op, Dst: scratchFloat, Src: scratchInt, Size: 8})

		return g.storeFloat(x.Dst, scratchFloat, fsize)
	case ff && !tf:
		fsize := floatWidth(x.From)

		op := "cvttss2si"
		if fsize == 8 {
			op = "cvttsd2si"
		}

		if err := g.loadFloat(x.Src, scratchFloat, fsize); err != nil {
			return err
		}

		g.emit(x86.Cvt{Op: op, Dst: scratchInt, Src: scratchFloat, Size: 8})

		return g.storeInt(x.Dst, scratchInt)
	default:
		from, to := floatWidth(x.From), floatWidth(x.To)

		if err := g.loadFloat(x.Src, scratchFloat, from); err != nil {
			return err
		}

		if from != to {
			op := "cvtss2sd"
			if from == 8 {
				op = "cvtsd2ss"
			}

			g.emit(x86.Cvt{Op: op, Dst: scratchFloat, Src: scratchFloat})
		}

		return g.storeFloat(x.Dst, scratchFloat, to)
	}
}

func intWidth(t tp.Type) (int, bool) {
	switch t := tp.Unqual(t).(type) {
	case tp.Int:
		return int(t.Bits) / 8, t.Signed
	case tp.Bool:
		return 1, false
	case tp.Enum:
		return 4, true
	case tp.Ptr, tp.Func, tp.Array:
		return 8, false
	default:
		return 4, true
	}
}

func floatWidth(t tp.Type) int {
	if f, ok := tp.Unqual(t).(tp.Float); ok && f.Bits == 32 {
		return 4
	}

	return 8
}

// load reads through an address with the access width of the
// source type. Sub-dword integers extend by signedness.
func (g *fgen) load(x ir.Load) error {
	if err := g.loadInt(x.Addr, scratchInt, 8); err != nil {
		return err
	}

	t, err := g.p.Defs.Resolve(x.Type)
	if err != nil {
		return err
	}

	if tp.IsFloat(t) {
		size := floatWidth(t)

		op := "movss"
		if size == 8 {
			op = "movsd"
		}

		g.emit(x86.SSE{Op: op, Dst: scratchFloat, Src: x86.Mem{Base: scratchInt, Size: size}})

		return g.storeFloat(x.Dst, scratchFloat, size)
	}

	w, signed := intWidth(t)

	switch {
	case w == 8:
		g.emit(x86.Mov{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt, Size: 8}, Size: 8})
	case w == 4:
		if signed {
			g.emit(x86.Movsx{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt, Size: 4}, SrcSize: 4, DstSize: 8})
		} else {
			g.emit(x86.Mov{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt, Size: 4}, Size: 4})
		}
	case signed:
		g.emit(x86.Movsx{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt, Size: w}, SrcSize: w, DstSize: 8})
	default:
		g.emit(x86.Movzx{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt, Size: w}, SrcSize: w, DstSize: 8})
	}

	return g.storeInt(x.Dst, scratchInt2)
}

func (g *fgen) store(x ir.Store) error {
	t, err := g.p.Defs.Resolve(x.Type)
	if err != nil {
		return err
	}

	if err := g.loadInt(x.Addr, scratchInt, 8); err != nil {
		return err
	}

	if tp.IsFloat(t) {
		size := floatWidth(t)

		op := "movss"
		if size == 8 {
			op = "movsd"
		}

		if err := g.loadFloat(x.Val, scratchFloat, size); err != nil {
			return err
		}

		g.emit(x86.SSE{Op: op, Dst: x86.Mem{Base: scratchInt, Size: size}, Src: scratchFloat})

		return nil
	}

	if err := g.loadInt(x.Val, scratchInt2, 8); err != nil {
		return err
	}

	w, _ := intWidth(t)

	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Size: w}, Src: scratchInt2, Size: w})

	return nil
}

// gep computes base + index*scale + offset, folding into a
// single lea where the scale allows.
func (g *fgen) gep(x ir.GetElementPtr) error {
	if err := g.loadInt(x.Base, scratchInt, 8); err != nil {
		return err
	}

	if x.Index == nil {
		if x.Offset != 0 {
			g.emit(x86.Lea{Dst: scratchInt, Src: x86.Mem{Base: scratchInt, Off: x.Offset}})
		}

		return g.storeInt(x.Dst, scratchInt)
	}

	if c, ok := x.Index.(ir.Const); ok {
		off := int(c)*x.Scale + x.Offset

		if off != 0 {
			g.emit(x86.Lea{Dst: scratchInt, Src: x86.Mem{Base: scratchInt, Off: off}})
		}

		return g.storeInt(x.Dst, scratchInt)
	}

	if err := g.loadInt(x.Index, scratchInt2, 8); err != nil {
		return err
	}

	switch x.Scale {
	case 1, 2, 4, 8:
		g.emit(x86.Lea{Dst: scratchInt, Src: x86.Mem{
			Base:  scratchInt,
			Index: scratchInt2,
			Scale: x.Scale,
			Off:   x.Offset,
		}})
	default:
		g.emit(x86.ALU{Op: "imul", Dst: scratchInt2, Src: x86.Imm(x.Scale), Size: 8})
		g.emit(x86.ALU{Op: "add", Dst: scratchInt, Src: scratchInt2, Size: 8})

		if x.Offset != 0 {
			g.emit(x86.Lea{Dst: scratchInt, Src: x86.Mem{Base: scratchInt, Off: x.Offset}})
		}
	}

	return g.storeInt(x.Dst, scratchInt)
}

// inlineAsm substitutes %N operand references and passes the
// template through. Outputs are stored back after the template.
func (g *fgen) inlineAsm(x ir.InlineAsm) error {
	pool := []x86.Reg{x86.RAX, x86.RCX, x86.RDX, x86.R10, x86.R11}

	if len(x.Outputs)+len(x.Inputs) > len(pool) {
		return errors.New("too many inline asm operands")
	}

	regs := make([]x86.Reg, 0, len(x.Outputs)+len(x.Inputs))

	for range x.Outputs {
		regs = append(regs, pool[len(regs)])
	}

	for _, in := range x.Inputs {
		r := pool[len(regs)]
		regs = append(regs, r)

		if err := g.loadInt(in.Val, r, 8); err != nil {
			return err
		}
	}

	text := x.Template

	for i := len(regs) - 1; i >= 0; i-- {
		text = strings.ReplaceAll(text, "%"+itoa(i), regs[i].Name(8))
	}

	g.emit(x86.Raw{Text: text})

	// outputs were lowered as addresses
	for i, out := range x.Outputs {
		if err := g.loadInt(out.Val, scratchInt3, 8); err != nil {
			return err
		}

		g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt3, Size: 8}, Src: regs[i], Size: 8})
	}

	return nil
}

func (g *fgen) terminator(t any) error {
	switch t := t.(type) {
	case ir.Br:
		g.emit(x86.Jmp{Target: g.blockLabel(t.To)})
	case ir.CondBr:
		if err := g.loadInt(t.Cond, scratchInt, 8); err != nil {
			return err
		}

		g.emit(x86.ALU{Op: "cmp", Dst: scratchInt, Src: x86.Imm(0), Size: 4})
		g.emit(x86.Jcc{Cond: "ne", Target: g.blockLabel(t.Then)})
		g.emit(x86.Jmp{Target: g.blockLabel(t.Else)})
	case ir.Ret:
		if t.Val != nil {
			if g.isFloatOperand(t.Val) || tp.IsFloat(g.f.Ret) {
				size := floatWidth(g.f.Ret)

				if err := g.loadFloat(t.Val, g.abi.FloatRet(), size); err != nil {
					return err
				}
			} else {
				if err := g.loadInt(t.Val, g.abi.IntRet(), 8); err != nil {
					return err
				}
			}
		}

		g.epilogue()
	case ir.Unreachable:
		g.emit(x86.Raw{Text: "ud2"})
	default:
		return errors.New("bad terminator: %T", t)
	}

	return nil
}

// epilogue pops callee-saved registers in reverse order,
// restores the frame pointer and returns.
func (g *fgen) epilogue() {
	g.emit(x86.FrameRelease{})

	for i := len(g.saved) - 1; i >= 0; i-- {
		g.emit(x86.Pop{Reg: g.saved[i]})
	}

	g.emit(x86.Pop{Reg: x86.RBP})
	g.emit(x86.Ret{})
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}

	neg := v < 0
	if neg {
		v = -v
	}

	var b [20]byte
	i := len(b)

	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}

	if neg {
		i--
		b[i] = '-'
	}

	return string(b[i:])
}
