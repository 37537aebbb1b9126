package back

import (
	"nikand.dev/go/heap"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
	"github.com/mcclang/mcc/src/compiler/bitmap"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	// Loc is a physical register or a spill slot index.
	Loc struct {
		Reg  x86.Reg
		Slot int
	}

	allocator struct {
		f   *ir.Func
		abi ABI

		intervals map[ir.VarID]*interval
		edges     map[ir.VarID]bitmap.Big
		float     map[ir.VarID]bool

		// crossesCall variables must survive a callee and only
		// fit callee-saved registers.
		crossesCall map[ir.VarID]bool

		hints  map[ir.VarID]x86.Reg
		copies map[ir.VarID]ir.VarID

		locs   map[ir.VarID]Loc
		spills int
	}
)

func (l Loc) Spilled() bool {
	return l.Reg == x86.NoReg
}

// allocate colors the interference graph: live intervals,
// same-class interference, coalescing hints, then greedy
// selection. Variables with no free register spill.
func allocate(f *ir.Func, abi ABI, allocas map[ir.VarID]bool) (map[ir.VarID]Loc, int) {
	intervals, calls := liveIntervals(f, allocas)

	a := &allocator{
		f:           f,
		abi:         abi,
		intervals:   intervals,
		edges:       map[ir.VarID]bitmap.Big{},
		float:       map[ir.VarID]bool{},
		crossesCall: map[ir.VarID]bool{},
		hints:       map[ir.VarID]x86.Reg{},
		copies:      map[ir.VarID]ir.VarID{},
		locs:        map[ir.VarID]Loc{},
	}

	for _, iv := range intervals {
		for _, c := range calls {
			if iv.start < c && c < iv.end {
				a.crossesCall[iv.v] = true
				break
			}
		}
	}

	a.classify()
	a.buildGraph()
	a.collectHints()
	a.color()

	if tlog.If("regalloc") {
		for v, l := range a.locs {
			tlog.Printw("location", "func", f.Name, "v", v, "reg", l.Reg, "slot", l.Slot, "float", a.float[v])
		}
	}

	return a.locs, a.spills
}

// classify decides the register class of every variable from
// var_types and defining instructions.
func (a *allocator) classify() {
	for v := range a.intervals {
		if t, ok := a.f.VarTypes[v]; ok {
			a.float[v] = tp.IsFloat(t)
		}
	}

	for _, b := range a.f.Blocks {
		for _, x := range b.Instrs {
			switch x := x.(type) {
			case ir.FloatBinary:
				if !x.Op.IsComparison() {
					a.float[x.Dst] = true
				}
			case ir.FloatUnary:
				a.float[x.Dst] = true
			case ir.Copy:
				if _, ok := x.Src.(ir.FConst); ok {
					a.float[x.Dst] = true
				}
			case ir.Call:
				if !x.Void && x.FloatRet {
					a.float[x.Dst] = true
				}
			case ir.IndirectCall:
				if !x.Void && x.FloatRet {
					a.float[x.Dst] = true
				}
			case ir.Cast:
				a.float[x.Dst] = tp.IsFloat(x.To)
			case ir.Load:
				a.float[x.Dst] = tp.IsFloat(x.Type)
			}
		}
	}
}

// buildGraph connects variables whose intervals overlap and
// whose register classes match.
func (a *allocator) buildGraph() {
	vars := make([]*interval, 0, len(a.intervals))

	for _, iv := range a.intervals {
		vars = append(vars, iv)
	}

	for i := 0; i < len(vars); i++ {
		for j := i + 1; j < len(vars); j++ {
			if !overlap(vars[i], vars[j]) {
				continue
			}

			if a.float[vars[i].v] != a.float[vars[j].v] {
				continue
			}

			a.edge(vars[i].v, vars[j].v)
		}
	}
}

func (a *allocator) edge(x, y ir.VarID) {
	q := a.edges[x]
	q.Set(int(y))
	a.edges[x] = q

	q = a.edges[y]
	q.Set(int(x))
	a.edges[y] = q
}

// collectHints: copy sources, call argument registers and
// incoming parameters prefer a known color.
func (a *allocator) collectHints() {
	intParams := a.abi.IntParams()
	floatParams := a.abi.FloatParams()

	ii, fi := 0, 0

	for _, p := range a.f.Params {
		if tp.IsFloat(p.Type) {
			if fi < len(floatParams) {
				a.hints[p.ID] = floatParams[fi]
			}

			fi++

			continue
		}

		if ii < len(intParams) {
			a.hints[p.ID] = intParams[ii]
		}

		ii++
	}

	for _, b := range a.f.Blocks {
		for _, x := range b.Instrs {
			switch x := x.(type) {
			case ir.Copy:
				src, ok := x.Src.(ir.Var)
				if !ok {
					continue
				}

				si, di := a.intervals[ir.VarID(src)], a.intervals[x.Dst]
				if si == nil || di == nil || overlap(si, di) {
					continue
				}

				a.copies[x.Dst] = ir.VarID(src)
			case ir.Call:
				a.hintArgs(x.Args)
			case ir.IndirectCall:
				a.hintArgs(x.Args)
			}
		}
	}
}

func (a *allocator) hintArgs(args []ir.Operand) {
	intParams := a.abi.IntParams()
	floatParams := a.abi.FloatParams()

	ii, fi := 0, 0

	for _, arg := range args {
		v, ok := arg.(ir.Var)

		isFloat := false

		if ok {
			isFloat = a.float[ir.VarID(v)]
		} else if _, fc := arg.(ir.FConst); fc {
			isFloat = true
		}

		if isFloat {
			if ok && fi < len(floatParams) {
				if _, have := a.hints[ir.VarID(v)]; !have {
					a.hints[ir.VarID(v)] = floatParams[fi]
				}
			}

			fi++

			continue
		}

		if ok && ii < len(intParams) {
			if _, have := a.hints[ir.VarID(v)]; !have {
				a.hints[ir.VarID(v)] = intParams[ii]
			}
		}

		ii++
	}
}

// color orders candidates by interval start with a heap and
// greedily picks: parameter hint, copy hint, caller-saved,
// callee-saved, anything free, else spill.
func (a *allocator) color() {
	h := heap.Heap[*interval]{
		Less: func(d []*interval, i, j int) bool {
			if d[i].start != d[j].start {
				return d[i].start < d[j].start
			}

			return d[i].v < d[j].v
		},
	}

	for _, iv := range a.intervals {
		h.Push(iv)
	}

	for h.Len() != 0 {
		iv := h.Pop()
		v := iv.v

		var used bitmap.Big

		a.edges[v].Range(func(n int) bool {
			if l, ok := a.locs[ir.VarID(n)]; ok && !l.Spilled() {
				used.Set(int(l.Reg))
			}

			return true
		})

		free := func(r x86.Reg) bool {
			return !used.IsSet(int(r))
		}

		// a call-crossing variable cannot live in a caller-saved
		// register; all XMM registers are caller-saved, so a
		// call-crossing float spills
		usable := func(r x86.Reg) bool {
			if !allocatable(r) || !a.classOK(v, r) {
				return false
			}

			if a.crossesCall[v] && !calleeSaved(r) {
				return false
			}

			return free(r)
		}

		reg := x86.NoReg

		if r, ok := a.hints[v]; ok && usable(r) {
			reg = r
		}

		if reg == x86.NoReg {
			if src, ok := a.copies[v]; ok {
				if l, ok := a.locs[src]; ok && !l.Spilled() && usable(l.Reg) {
					reg = l.Reg
				}
			}
		}

		if reg == x86.NoReg && !a.float[v] {
			for _, r := range callerSaved() {
				if usable(r) {
					reg = r
					break
				}
			}

			if reg == x86.NoReg {
				for _, r := range calleeSavedAllocatable() {
					if usable(r) {
						reg = r
						break
					}
				}
			}
		}

		if reg == x86.NoReg {
			pool := allocatableInt()
			if a.float[v] {
				pool = allocatableFloat()
			}

			for _, r := range pool {
				if usable(r) {
					reg = r
					break
				}
			}
		}

		if reg == x86.NoReg {
			a.locs[v] = Loc{Slot: a.spills}
			a.spills++

			continue
		}

		a.locs[v] = Loc{Reg: reg}
	}
}

func (a *allocator) classOK(v ir.VarID, r x86.Reg) bool {
	return a.float[v] == r.IsXMM()
}

func calleeSaved(r x86.Reg) bool {
	for _, p := range calleeSavedAllocatable() {
		if p == r {
			return true
		}
	}

	return false
}

// allocatable rejects the scratch registers the code generator
// reserves for itself.
func allocatable(r x86.Reg) bool {
	pool := allocatableInt()
	if r.IsXMM() {
		pool = allocatableFloat()
	}

	for _, p := range pool {
		if p == r {
			return true
		}
	}

	return false
}
