package back

import (
	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	pmove struct {
		dst   x86.Reg
		src   ir.Operand
		float bool
	}
)

// callSetup places the first N int args and M float args into
// the parameter registers and the rest on the stack. Register
// moves run through a cycle-safe parallel algorithm because a
// source variable may live in a parameter register.
func (g *fgen) callSetup(args []ir.Operand) (nFloatReg int, err error) {
	intRegs := g.abi.IntParams()
	floatRegs := g.abi.FloatParams()
	shadow := g.abi.ShadowSpace()

	var moves []pmove

	ii, fi, stack := 0, 0, 0

	for _, a := range args {
		isFloat := g.isFloatOperand(a)

		if isFloat && fi < len(floatRegs) {
			moves = append(moves, pmove{dst: floatRegs[fi], src: a, float: true})
			fi++

			continue
		}

		if !isFloat && ii < len(intRegs) {
			moves = append(moves, pmove{dst: intRegs[ii], src: a})
			ii++

			continue
		}

		// stack argument, the area is 16-byte aligned at the
		// call site because the frame size is
		off := shadow + stack*8
		stack++

		if isFloat {
			if err := g.loadFloat(a, scratchFloat, 8); err != nil {
				return 0, err
			}

			g.emit(x86.SSE{Op: "movsd", Dst: x86.Mem{Base: x86.RSP, Off: off, Size: 8}, Src: scratchFloat})
		} else {
			if err := g.loadInt(a, scratchInt, 8); err != nil {
				return 0, err
			}

			g.emit(x86.Mov{Dst: x86.Mem{Base: x86.RSP, Off: off, Size: 8}, Src: scratchInt, Size: 8})
		}
	}

	if out := shadow + stack*8; out > g.outArgs {
		g.outArgs = out
	}

	err = g.parallelArgMoves(moves)
	if err != nil {
		return 0, err
	}

	return fi, nil
}

// parallelArgMoves emits register moves so that no source is
// clobbered before it is read; cycles break through a scratch.
func (g *fgen) parallelArgMoves(moves []pmove) error {
	srcReg := func(m pmove) (x86.Reg, bool) {
		if r, ok := m.src.(regOperand); ok {
			return x86.Reg(r), true
		}

		v, ok := m.src.(ir.Var)
		if !ok {
			return x86.NoReg, false
		}

		if _, isAlloca := g.allocas[ir.VarID(v)]; isAlloca {
			return x86.NoReg, false
		}

		loc, ok := g.locs[ir.VarID(v)]
		if !ok || loc.Spilled() {
			return x86.NoReg, false
		}

		return loc.Reg, true
	}

	emitOne := func(m pmove) error {
		if m.float {
			return g.loadFloat(m.src, m.dst, 8)
		}

		return g.loadInt(m.src, m.dst, 8)
	}

	for len(moves) > 0 {
		progress := false

		for i, m := range moves {
			blocked := false

			for j, o := range moves {
				if i == j {
					continue
				}

				if r, ok := srcReg(o); ok && r == m.dst {
					blocked = true
					break
				}
			}

			if !blocked {
				if err := emitOne(m); err != nil {
					return err
				}

				moves = append(moves[:i], moves[i+1:]...)
				progress = true

				break
			}
		}

		if progress {
			continue
		}

		// cycle: move one source into the scratch and retarget
		// every move that reads it
		m := moves[0]

		r, ok := srcReg(m)
		if !ok {
			return errors.New("parallel move cycle without a register source")
		}

		scratch := scratchInt3
		if m.float {
			scratch = scratchFloat2
		}

		if m.float {
			g.emit(x86.SSE{Op: "movsd", Dst: scratch, Src: r})
		} else {
			g.emit(x86.Mov{Dst: scratch, Src: r, Size: 8})
		}

		for j := range moves {
			if sr, ok := srcReg(moves[j]); ok && sr == r {
				moves[j].src = scratchOperand(scratch)
			}
		}
	}

	return nil
}

// scratchOperand wraps a physical register as a pseudo operand
// so retargeted parallel moves can reference it.
type regOperand x86.Reg

func scratchOperand(r x86.Reg) ir.Operand {
	return regOperand(r)
}

func (g *fgen) call(x ir.Call) error {
	if done, err := g.intrinsic(x); done {
		return err
	}

	nFloat, err := g.callSetup(x.Args)
	if err != nil {
		return errors.Wrap(err, "call %v", x.Name)
	}

	// variadic callees read AL as the XMM register count
	g.emit(x86.Mov{Dst: x86.RAX, Src: x86.Imm(nFloat), Size: 4})

	g.emit(x86.Call{Sym: x.Name})

	return g.callResult(x.Dst, x.Void, x.FloatRet)
}

// indirectCall stashes the function pointer in R10 before the
// argument moves so it survives them.
func (g *fgen) indirectCall(x ir.IndirectCall) error {
	if err := g.loadInt(x.Fn, x86.R10, 8); err != nil {
		return err
	}

	nFloat, err := g.callSetup(x.Args)
	if err != nil {
		return errors.Wrap(err, "indirect call")
	}

	g.emit(x86.Mov{Dst: x86.RAX, Src: x86.Imm(nFloat), Size: 4})

	g.emit(x86.CallReg{Reg: x86.R10})

	return g.callResult(x.Dst, x.Void, x.FloatRet)
}

func (g *fgen) callResult(dst ir.VarID, void, floatRet bool) error {
	if void {
		return nil
	}

	if floatRet {
		return g.storeFloat(dst, g.abi.FloatRet(), 8)
	}

	return g.storeInt(dst, g.abi.IntRet())
}

// intrinsic expands the __builtin calls the codegen recognizes.
func (g *fgen) intrinsic(x ir.Call) (bool, error) {
	var op string

	switch x.Name {
	case "__builtin_clz":
		op = "lzcnt"
	case "__builtin_ctz":
		op = "tzcnt"
	case "__builtin_popcount":
		op = "popcnt"
	default:
		return false, nil
	}

	if len(x.Args) != 1 {
		return true, errors.New("%v takes one argument", x.Name)
	}

	if err := g.loadInt(x.Args[0], scratchInt2, 8); err != nil {
		return true, err
	}

	g.emit(x86.ALU{Op: op, Dst: scratchInt, Src: scratchInt2, Size: 4})

	return true, g.storeInt(x.Dst, scratchInt)
}

// vaStart initializes the System V va_list: gp_offset,
// fp_offset, overflow_arg_area, reg_save_area.
func (g *fgen) vaStart(x ir.VaStart) error {
	if err := g.loadInt(x.List, scratchInt, 8); err != nil {
		return err
	}

	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Size: 4}, Src: x86.Imm(g.vaGP * 8), Size: 4})
	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Off: 4, Size: 4}, Src: x86.Imm(48 + g.vaFP*16), Size: 4})

	// overflow area starts after the stack-passed fixed args
	g.emit(x86.Lea{Dst: scratchInt2, Src: x86.Mem{Base: x86.RBP, Off: 16 + g.abi.ShadowSpace() + g.vaStack*8}})
	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Off: 8, Size: 8}, Src: scratchInt2, Size: 8})

	g.emit(x86.Lea{Dst: scratchInt2, Src: x86.Mem{Base: x86.RBP, Off: g.vaRegSave}})
	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Off: 16, Size: 8}, Src: scratchInt2, Size: 8})

	return nil
}

func (g *fgen) vaCopy(x ir.VaCopy) error {
	if err := g.loadInt(x.Src, scratchInt, 8); err != nil {
		return err
	}

	if err := g.loadInt(x.Dst, scratchInt2, 8); err != nil {
		return err
	}

	for off := 0; off < 24; off += 8 {
		g.emit(x86.Mov{Dst: scratchInt3, Src: x86.Mem{Base: scratchInt, Off: off, Size: 8}, Size: 8})
		g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt2, Off: off, Size: 8}, Src: scratchInt3, Size: 8})
	}

	return nil
}

// vaArg emits the register-save-area traversal: take the value
// from the save area while offsets remain, else step through the
// overflow area.
func (g *fgen) vaArg(x ir.VaArg) error {
	t, err := g.p.Defs.Resolve(x.Type)
	if err != nil {
		return err
	}

	isFloat := tp.IsFloat(t)

	ovf := g.newLabel("vaovf")
	done := g.newLabel("vadone")

	if err := g.loadInt(x.List, scratchInt, 8); err != nil {
		return err
	}

	offOff := 0
	limit := 48

	if isFloat {
		offOff = 4
		limit = 176
	}

	// offset = *(u32*)(ap+offOff)
	g.emit(x86.Mov{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt, Off: offOff, Size: 4}, Size: 4})
	g.emit(x86.ALU{Op: "cmp", Dst: scratchInt2, Src: x86.Imm(limit), Size: 4})
	g.emit(x86.Jcc{Cond: "ae", Target: ovf})

	// in the register save area
	g.emit(x86.Mov{Dst: scratchInt3, Src: x86.Mem{Base: scratchInt, Off: 16, Size: 8}, Size: 8})
	g.emit(x86.ALU{Op: "add", Dst: scratchInt3, Src: scratchInt2, Size: 8})

	step := 8
	if isFloat {
		step = 16
	}

	g.emit(x86.ALU{Op: "add", Dst: scratchInt2, Src: x86.Imm(step), Size: 4})
	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Off: offOff, Size: 4}, Src: scratchInt2, Size: 4})
	g.emit(x86.Jmp{Target: done})

	// overflow area
	g.emit(x86.Label{Name: ovf})
	g.emit(x86.Mov{Dst: scratchInt3, Src: x86.Mem{Base: scratchInt, Off: 8, Size: 8}, Size: 8})
	g.emit(x86.Lea{Dst: scratchInt2, Src: x86.Mem{Base: scratchInt3, Off: 8}})
	g.emit(x86.Mov{Dst: x86.Mem{Base: scratchInt, Off: 8, Size: 8}, Src: scratchInt2, Size: 8})

	g.emit(x86.Label{Name: done})

	if isFloat {
		size := floatWidth(t)

		op := "movss"
		if size == 8 {
			op = "movsd"
		}

		g.emit(x86.SSE{Op: op, Dst: scratchFloat, Src: x86.Mem{Base: scratchInt3, Size: size}})

		return g.storeFloat(x.Dst, scratchFloat, size)
	}

	g.emit(x86.Mov{Dst: scratchInt3, Src: x86.Mem{Base: scratchInt3, Size: 8}, Size: 8})

	return g.storeInt(x.Dst, scratchInt3)
}
