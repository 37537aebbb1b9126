package back

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	// fgen generates one function: allocation map, stack slot
	// table, block label names, emitted instruction buffer.
	fgen struct {
		p   *ir.Program
		f   *ir.Func
		abi ABI

		asm []x86.Instr

		locs    map[ir.VarID]Loc
		allocas map[ir.VarID]int // rbp offsets, negative
		slots   map[int]int      // spill slot -> rbp offset

		saved []x86.Reg

		frame   int // bytes below the saved registers
		outArgs int // outbound call argument area

		floats *floatPool

		labels int

		vaRegSave int // rbp offset of the register save area
		vaGP      int // fixed int args in registers
		vaFP      int // fixed float args in registers
		vaStack   int // fixed args passed on the stack
	}

	floatPool struct {
		labels map[uint64]string
		order  []uint64
		vals   map[uint64]float64
	}
)

const (
	scratchInt  = x86.RAX
	scratchInt2 = x86.RCX
	scratchInt3 = x86.RDX

	scratchFloat  = x86.XMM8
	scratchFloat2 = x86.XMM9
)

func newFloatPool() *floatPool {
	return &floatPool{
		labels: map[uint64]string{},
		vals:   map[uint64]float64{},
	}
}

// genFunc selects instructions for one function.
func genFunc(p *ir.Program, f *ir.Func, abi ABI, floats *floatPool) ([]x86.Instr, error) {
	ir.VerifyNoPhis(f)

	g := &fgen{
		p:       p,
		f:       f,
		abi:     abi,
		allocas: map[ir.VarID]int{},
		slots:   map[int]int{},
		floats:  floats,
	}

	allocaVars := map[ir.VarID]bool{}

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if a, ok := x.(ir.Alloca); ok {
				allocaVars[a.Dst] = true
			}
		}
	}

	var spills int
	g.locs, spills = allocate(f, abi, allocaVars)

	// used callee-saved registers get saved in the prologue
	usedCallee := map[x86.Reg]bool{}

	for _, l := range g.locs {
		if l.Spilled() {
			continue
		}

		for _, r := range abi.CalleeSaved() {
			if l.Reg == r {
				usedCallee[r] = true
			}
		}
	}

	for _, r := range abi.CalleeSaved() {
		if usedCallee[r] {
			g.saved = append(g.saved, r)
		}
	}

	base := len(g.saved) * 8

	// alloca buffers, 16-byte aligned for SSE
	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if a, ok := x.(ir.Alloca); ok {
				size := (a.Size + 15) &^ 15
				g.frame += size
				g.allocas[a.Dst] = -(base + g.frame)
			}
		}
	}

	// spill slots
	for i := 0; i < spills; i++ {
		g.frame += 8
		g.slots[i] = -(base + g.frame)
	}

	if f.Variadic {
		g.countFixedArgs()
		g.frame += 176
		g.vaRegSave = -(base + g.frame)
	}

	g.emit(x86.Label{Name: f.Name})
	g.emit(x86.Push{Reg: x86.RBP})
	g.emit(x86.Mov{Dst: x86.RBP, Src: x86.RSP, Size: 8})

	for _, r := range g.saved {
		g.emit(x86.Push{Reg: r})
	}

	// the frame size is backpatched once outArgs is final
	framePatch := len(g.asm)
	g.emit(x86.FrameAlloc{})

	if f.Variadic {
		g.saveVarargRegs()
	}

	g.moveParams()

	for i, b := range f.Blocks {
		g.emit(x86.Label{Name: g.blockLabel(ir.BlockID(i))})

		for _, x := range b.Instrs {
			err := g.instr(x)
			if err != nil {
				return nil, errors.Wrap(err, "block %d", i)
			}
		}

		err := g.terminator(b.Term)
		if err != nil {
			return nil, errors.Wrap(err, "block %d terminator", i)
		}
	}

	total := g.frame + g.outArgs + g.abi.ShadowSpace()
	total = (total + 15) &^ 15

	if len(g.saved)%2 != 0 {
		total += 8
	}

	g.asm[framePatch] = x86.FrameAlloc{Bytes: total}

	// patch the releases emitted at each Ret
	for i, x := range g.asm {
		if _, ok := x.(x86.FrameRelease); ok {
			g.asm[i] = x86.FrameRelease{Bytes: total}
		}
	}

	tlog.V("codegen").Printw("selected", "func", f.Name, "instrs", len(g.asm), "frame", total, "spills", spills)

	return g.asm, nil
}

func (g *fgen) emit(x x86.Instr) {
	g.asm = append(g.asm, x)
}

func (g *fgen) blockLabel(b ir.BlockID) string {
	return fmt.Sprintf(".L%s_%d", g.f.Name, b)
}

func (g *fgen) newLabel(tag string) string {
	g.labels++
	return fmt.Sprintf(".L%s_%s%d", g.f.Name, tag, g.labels)
}

// countFixedArgs splits the named parameters into register
// classes for va_start initialization.
func (g *fgen) countFixedArgs() {
	ints, floats := 0, 0

	for _, p := range g.f.Params {
		if tp.IsFloat(p.Type) {
			floats++
		} else {
			ints++
		}
	}

	nInt := len(g.abi.IntParams())
	nFloat := len(g.abi.FloatParams())

	g.vaGP = ints
	if g.vaGP > nInt {
		g.vaGP = nInt
	}

	g.vaFP = floats
	if g.vaFP > nFloat {
		g.vaFP = nFloat
	}

	g.vaStack = 0

	if ints > nInt {
		g.vaStack += ints - nInt
	}

	if floats > nFloat {
		g.vaStack += floats - nFloat
	}
}

// saveVarargRegs dumps the parameter registers into the register
// save area so va_arg can traverse them.
func (g *fgen) saveVarargRegs() {
	for i, r := range g.abi.IntParams() {
		g.emit(x86.Mov{
			Dst:  x86.Mem{Base: x86.RBP, Off: g.vaRegSave + i*8, Size: 8},
			Src:  r,
			Size: 8,
		})
	}

	for i, r := range g.abi.FloatParams() {
		g.emit(x86.SSE{
			Op:  "movsd",
			Dst: x86.Mem{Base: x86.RBP, Off: g.vaRegSave + 48 + i*16, Size: 8},
			Src: r,
		})
	}
}

// moveParams moves incoming parameters from their ABI registers
// to the allocated locations. This is a permutation: cycles are
// broken through a scratch register.
func (g *fgen) moveParams() {
	intRegs := g.abi.IntParams()
	floatRegs := g.abi.FloatParams()

	type move struct {
		dst   x86.Arg
		src   x86.Arg
		float bool
	}

	var moves []move

	ii, fi, stack := 0, 0, 0

	stackOff := func() int {
		off := 16 + g.abi.ShadowSpace() + stack*8
		stack++

		return off
	}

	for _, p := range g.f.Params {
		isFloat := tp.IsFloat(p.Type)

		var src x86.Arg

		if isFloat {
			if fi < len(floatRegs) {
				src = floatRegs[fi]
				fi++
			} else {
				src = x86.Mem{Base: x86.RBP, Off: stackOff(), Size: 8}
			}
		} else {
			if ii < len(intRegs) {
				src = intRegs[ii]
				ii++
			} else {
				src = x86.Mem{Base: x86.RBP, Off: stackOff(), Size: 8}
			}
		}

		loc, ok := g.locs[p.ID]
		if !ok {
			// parameter is never used
			continue
		}

		var dst x86.Arg

		if loc.Spilled() {
			dst = x86.Mem{Base: x86.RBP, Off: g.slots[loc.Slot], Size: 8}
		} else {
			dst = loc.Reg
		}

		moves = append(moves, move{dst: dst, src: src, float: isFloat})
	}

	emitMove := func(m move) {
		if m.float {
			if mem, ok := m.dst.(x86.Mem); ok {
				if _, srcMem := m.src.(x86.Mem); srcMem {
					g.emit(x86.SSE{Op: "movsd", Dst: scratchFloat, Src: m.src})
					g.emit(x86.SSE{Op: "movsd", Dst: mem, Src: scratchFloat})

					return
				}
			}

			g.emit(x86.SSE{Op: "movsd", Dst: m.dst, Src: m.src})

			return
		}

		if _, dstMem := m.dst.(x86.Mem); dstMem {
			if _, srcMem := m.src.(x86.Mem); srcMem {
				g.emit(x86.Mov{Dst: scratchInt, Src: m.src, Size: 8})
				g.emit(x86.Mov{Dst: m.dst, Src: scratchInt, Size: 8})

				return
			}
		}

		if m.dst == m.src {
			return
		}

		g.emit(x86.Mov{Dst: m.dst, Src: m.src, Size: 8})
	}

	// emit moves whose destination register is not another
	// move's source; break cycles through the scratch
	for len(moves) > 0 {
		progress := false

		for i, m := range moves {
			dstReg, isReg := m.dst.(x86.Reg)

			blocked := false

			if isReg {
				for j, o := range moves {
					if i == j {
						continue
					}

					if src, ok := o.src.(x86.Reg); ok && src == dstReg {
						blocked = true
						break
					}
				}
			}

			if !blocked {
				emitMove(m)
				moves = append(moves[:i], moves[i+1:]...)
				progress = true

				break
			}
		}

		if progress {
			continue
		}

		// cycle: spill one source through the scratch
		m := moves[0]

		if m.float {
			g.emit(x86.SSE{Op: "movsd", Dst: scratchFloat, Src: m.src})

			for j := range moves {
				if moves[j].src == m.src {
					moves[j].src = scratchFloat
				}
			}

			continue
		}

		g.emit(x86.Mov{Dst: scratchInt, Src: m.src, Size: 8})

		for j := range moves {
			if moves[j].src == m.src {
				moves[j].src = scratchInt
			}
		}
	}
}

// intern returns the label of a float constant in the pool.
func (fp *floatPool) intern(v float64, size int) string {
	bits := floatBits(v, size)

	if l, ok := fp.labels[bits]; ok {
		return l
	}

	l := fmt.Sprintf(".LC%d", len(fp.order))
	fp.labels[bits] = l
	fp.order = append(fp.order, bits)
	fp.vals[bits] = v

	return l
}
