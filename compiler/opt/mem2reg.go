package opt

import (
	"sort"

	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	m2r struct {
		f *ir.Func

		promo map[ir.VarID]tp.Type // alloca var -> stored type

		curdef     map[ir.VarID]map[ir.BlockID]ir.Operand
		sealed     map[ir.BlockID]bool
		incomplete map[ir.BlockID]map[ir.VarID]ir.VarID
		preds      [][]ir.BlockID

		rename map[ir.VarID]ir.Operand
	}
)

// mem2reg promotes scalar allocas whose address is used only by
// loads and stores. Loads become the reaching definition, phis
// are inserted at joins, promoted stores and allocas disappear.
func mem2reg(f *ir.Func) {
	m := &m2r{
		f:          f,
		promo:      map[ir.VarID]tp.Type{},
		curdef:     map[ir.VarID]map[ir.BlockID]ir.Operand{},
		sealed:     map[ir.BlockID]bool{},
		incomplete: map[ir.BlockID]map[ir.VarID]ir.VarID{},
		preds:      f.Preds(),
		rename:     map[ir.VarID]ir.Operand{},
	}

	m.findPromotable()

	if len(m.promo) == 0 {
		return
	}

	order, reachable := rpo(f)

	processed := map[ir.BlockID]bool{}

	allPredsProcessed := func(b ir.BlockID) bool {
		for _, p := range m.preds[b] {
			if !processed[p] {
				return false
			}
		}

		return true
	}

	for _, b := range order {
		if allPredsProcessed(b) {
			m.seal(b)
		}

		m.processBlock(b)
		processed[b] = true

		for _, s := range f.Succs(b) {
			if !m.sealed[s] && allPredsProcessed(s) {
				m.seal(s)
			}
		}
	}

	for b := range m.incomplete {
		m.seal(b)
	}

	// unreachable blocks still must not reference promoted slots
	for bi := range f.Blocks {
		if reachable[ir.BlockID(bi)] {
			continue
		}

		m.processBlock(ir.BlockID(bi))
	}

	// follow rename chains transitively through every
	// instruction form
	rewriteOperands(f, func(o ir.Operand) ir.Operand {
		return m.resolve(o)
	})
}

func (m *m2r) resolve(o ir.Operand) ir.Operand {
	for {
		v, ok := o.(ir.Var)
		if !ok {
			return o
		}

		r, ok := m.rename[ir.VarID(v)]
		if !ok || r == o {
			return o
		}

		o = r
	}
}

// findPromotable: scalar typed allocas whose VarId appears only
// as the address operand of loads and stores.
func (m *m2r) findPromotable() {
	for _, b := range m.f.Blocks {
		for _, x := range b.Instrs {
			if a, ok := x.(ir.Alloca); ok && tp.IsScalar(a.Type) {
				m.promo[a.Dst] = a.Type
			}
		}
	}

	disqualify := func(o ir.Operand) {
		if v, ok := o.(ir.Var); ok {
			delete(m.promo, ir.VarID(v))
		}
	}

	for _, b := range m.f.Blocks {
		for _, x := range b.Instrs {
			switch x := x.(type) {
			case ir.Load:
				// address position is fine
			case ir.Store:
				disqualify(x.Val)
			case ir.Alloca:
			default:
				ir.Operands(x, func(o *ir.Operand) {
					disqualify(*o)
				})
			}
		}

		if b.Term != nil {
			ir.Operands(b.Term, func(o *ir.Operand) {
				disqualify(*o)
			})
		}
	}
}

func (m *m2r) processBlock(b ir.BlockID) {
	blk := m.f.Blocks[b]

	// readVar may prepend phis to this very block, so walk a
	// detached list and put the new phis in front at the end
	instrs := blk.Instrs
	blk.Instrs = nil

	var out []any

	for _, x := range instrs {
		switch x := x.(type) {
		case ir.Alloca:
			if _, ok := m.promo[x.Dst]; ok {
				continue
			}
		case ir.Load:
			if a, ok := x.Addr.(ir.Var); ok {
				if _, ok := m.promo[ir.VarID(a)]; ok {
					m.rename[x.Dst] = m.readVar(ir.VarID(a), b)
					continue
				}
			}
		case ir.Store:
			if a, ok := x.Addr.(ir.Var); ok {
				if _, ok := m.promo[ir.VarID(a)]; ok {
					m.writeVar(ir.VarID(a), b, x.Val)
					continue
				}
			}
		}

		out = append(out, x)
	}

	blk.Instrs = append(blk.Instrs, out...)
}

func (m *m2r) writeVar(a ir.VarID, b ir.BlockID, val ir.Operand) {
	d, ok := m.curdef[a]
	if !ok {
		d = map[ir.BlockID]ir.Operand{}
		m.curdef[a] = d
	}

	d[b] = val
}

func (m *m2r) readVar(a ir.VarID, b ir.BlockID) ir.Operand {
	if v, ok := m.curdef[a][b]; ok {
		return m.resolve(v)
	}

	return m.readVarRecursive(a, b)
}

func (m *m2r) readVarRecursive(a ir.VarID, b ir.BlockID) (val ir.Operand) {
	switch {
	case !m.sealed[b]:
		id := m.newPhi(a, b)

		inc, ok := m.incomplete[b]
		if !ok {
			inc = map[ir.VarID]ir.VarID{}
			m.incomplete[b] = inc
		}

		inc[a] = id
		val = ir.Var(id)
	case len(m.preds[b]) == 1:
		val = m.readVar(a, m.preds[b][0])
	case len(m.preds[b]) == 0:
		// uninitialized reads default to zero
		val = m.zero(a)
	default:
		id := m.newPhi(a, b)
		m.writeVar(a, b, ir.Var(id))
		val = m.addPhiOperands(a, b, id)
	}

	m.writeVar(a, b, val)

	return val
}

func (m *m2r) zero(a ir.VarID) ir.Operand {
	if tp.IsFloat(m.promo[a]) {
		return ir.FConst(0)
	}

	return ir.Const(0)
}

// newPhi records the promoted type so codegen can pick the
// register class of float phis.
func (m *m2r) newPhi(a ir.VarID, b ir.BlockID) ir.VarID {
	id := m.f.NewVar()
	m.f.VarTypes[id] = m.promo[a]

	blk := m.f.Blocks[b]
	blk.Instrs = append(blk.Instrs, nil)
	copy(blk.Instrs[1:], blk.Instrs)
	blk.Instrs[0] = ir.Phi{Dst: id}

	return id
}

func (m *m2r) seal(b ir.BlockID) {
	if m.sealed[b] {
		return
	}

	m.sealed[b] = true

	// deterministic phi fill order
	vars := make([]ir.VarID, 0, len(m.incomplete[b]))

	for a := range m.incomplete[b] {
		vars = append(vars, a)
	}

	sort.Slice(vars, func(i, j int) bool { return vars[i] < vars[j] })

	for _, a := range vars {
		m.addPhiOperands(a, b, m.incomplete[b][a])
	}

	delete(m.incomplete, b)
}

func (m *m2r) addPhiOperands(a ir.VarID, b ir.BlockID, phi ir.VarID) ir.Operand {
	var args []ir.PhiArg

	for _, p := range m.preds[b] {
		args = append(args, ir.PhiArg{Block: p, Val: m.readVar(a, p)})
	}

	m.setPhiArgs(b, phi, args)

	return m.tryTrivial(b, phi)
}

func (m *m2r) setPhiArgs(b ir.BlockID, phi ir.VarID, args []ir.PhiArg) {
	blk := m.f.Blocks[b]

	for i, x := range blk.Instrs {
		p, ok := x.(ir.Phi)
		if !ok {
			break
		}

		if p.Dst == phi {
			p.Args = args
			blk.Instrs[i] = p

			return
		}
	}
}

// tryTrivial collapses a phi whose operands all equal one value,
// the phi itself not counting, and propagates through users.
func (m *m2r) tryTrivial(b ir.BlockID, phi ir.VarID) ir.Operand {
	blk := m.f.Blocks[b]

	var args []ir.PhiArg
	found := false

	for _, x := range blk.Instrs {
		p, ok := x.(ir.Phi)
		if !ok {
			break
		}

		if p.Dst == phi {
			args = p.Args
			found = true

			break
		}
	}

	if !found {
		return m.resolve(ir.Var(phi))
	}

	var same ir.Operand

	for _, a := range args {
		v := m.resolve(a.Val)

		if vv, ok := v.(ir.Var); ok && ir.VarID(vv) == phi {
			continue
		}

		if same != nil && v != same {
			return ir.Var(phi)
		}

		same = v
	}

	if same == nil {
		same = ir.Const(0)
	}

	// remove the phi and redirect users
	for i, x := range blk.Instrs {
		p, ok := x.(ir.Phi)
		if !ok {
			break
		}

		if p.Dst == phi {
			blk.Instrs = append(blk.Instrs[:i], blk.Instrs[i+1:]...)
			break
		}
	}

	m.rename[phi] = same

	// users created before this collapse may be other phis
	for bi, bb := range m.f.Blocks {
		for _, x := range bb.Instrs {
			p, ok := x.(ir.Phi)
			if !ok {
				break
			}

			for _, a := range p.Args {
				if v, ok := a.Val.(ir.Var); ok && ir.VarID(v) == phi {
					m.tryTrivial(ir.BlockID(bi), p.Dst)
					break
				}
			}
		}
	}

	return same
}

// rpo returns the reverse postorder of reachable blocks.
func rpo(f *ir.Func) ([]ir.BlockID, map[ir.BlockID]bool) {
	visited := map[ir.BlockID]bool{}

	var order []ir.BlockID

	var walk func(b ir.BlockID)
	walk = func(b ir.BlockID) {
		if visited[b] {
			return
		}

		visited[b] = true

		for _, s := range f.Succs(b) {
			walk(s)
		}

		order = append(order, b)
	}

	if len(f.Blocks) > 0 {
		walk(0)
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order, visited
}
