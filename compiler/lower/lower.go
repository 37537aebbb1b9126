package lower

import (
	"context"
	"fmt"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	state struct {
		prog *ast.Program
		p    *ir.Program
		defs *tp.Defs

		statics int
	}

	// variable is one declared name. SSA-tracked scalars go
	// through the Braun machinery, everything else lives at Addr.
	variable struct {
		key  string
		typ  tp.Type
		ssa  bool
		addr ir.Operand
	}

	fstate struct {
		*state

		f   *ast.Func
		irf *ir.Func

		// cur is the block under construction, -1 after a
		// terminator killed the cursor (dead code is dropped).
		cur ir.BlockID

		scopes []map[string]*variable
		nameid int

		// Braun et al. on-the-fly SSA state.
		curdef     map[string]map[ir.BlockID]ir.Operand
		sealed     map[ir.BlockID]bool
		incomplete map[ir.BlockID]map[string]ir.VarID
		preds      map[ir.BlockID][]ir.BlockID

		vartp map[string]tp.Type // key -> declared type

		breaks    []ir.BlockID
		continues []ir.BlockID

		labels       map[string]ir.BlockID
		labelSet     map[string]bool
		funcReturnTp tp.Type
	}
)

// Lower translates the AST into an SSA CFG one function at a time.
func Lower(ctx context.Context, prog *ast.Program) (p *ir.Program, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "lower: build ir", "funcs", len(prog.Funcs))
	defer tr.Finish("err", &err)

	s := &state{
		prog: prog,
		p:    ir.NewProgram(prog.Defs),
		defs: prog.Defs,
	}

	for _, g := range prog.Globals {
		err = s.lowerGlobal(g)
		if err != nil {
			return nil, errors.Wrap(err, "global %v", g.Name)
		}
	}

	for _, f := range prog.Funcs {
		irf, err := s.lowerFunc(ctx, f)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}

		s.p.Funcs = append(s.p.Funcs, irf)
	}

	return s.p, nil
}

func (s *state) lowerFunc(ctx context.Context, f *ast.Func) (_ *ir.Func, err error) {
	tr := tlog.SpanFromContext(ctx)

	irf := &ir.Func{
		Name:     f.Name,
		Ret:      f.Ret,
		Variadic: f.Variadic,
		VarTypes: map[ir.VarID]tp.Type{},

		Static:      f.Static,
		Weak:        f.Attrs.Weak,
		Section:     f.Attrs.Section,
		Constructor: f.Attrs.Constructor,
		Destructor:  f.Attrs.Destructor,
	}

	fs := &fstate{
		state: s,
		f:     f,
		irf:   irf,

		curdef:     map[string]map[ir.BlockID]ir.Operand{},
		sealed:     map[ir.BlockID]bool{},
		incomplete: map[ir.BlockID]map[string]ir.VarID{},
		preds:      map[ir.BlockID][]ir.BlockID{},
		vartp:      map[string]tp.Type{},

		labels:       map[string]ir.BlockID{},
		labelSet:     map[string]bool{},
		funcReturnTp: f.Ret,
	}

	entry := irf.NewBlock()
	fs.cur = entry
	fs.sealed[entry] = true

	fs.pushScope()

	// Parameters are stored into fresh allocas so their address
	// can be taken; mem2reg promotes them back.
	for _, par := range f.Params {
		id := irf.NewVar()
		irf.Params = append(irf.Params, ir.Param{Name: par.Name, ID: id, Type: par.Type})
		irf.VarTypes[id] = par.Type

		size, err := s.defs.Sizeof(par.Type)
		if err != nil {
			return nil, errors.Wrap(err, "param %v", par.Name)
		}

		slot := irf.NewVar()
		irf.VarTypes[slot] = tp.Ptr{X: par.Type}
		fs.emit(ir.Alloca{Dst: slot, Type: par.Type, Size: size})
		fs.emit(ir.Store{Addr: ir.Var(slot), Val: ir.Var(id), Type: par.Type})

		fs.declareVar(par.Name, par.Type, ir.Var(slot))
	}

	err = fs.stmt(f.Body)
	if err != nil {
		return nil, err
	}

	// fall off the end: return 0 from main, a bare return from
	// void functions, the zero value of the return type otherwise
	if fs.cur >= 0 {
		if f.Name == "main" {
			fs.term(ir.Ret{Val: ir.Const(0)})
		} else if tp.IsVoid(f.Ret) {
			fs.term(ir.Ret{})
		} else {
			fs.term(ir.Ret{Val: zeroValue(f.Ret)})
		}
	}

	// label blocks collect gotos until the end of the body
	names := make([]string, 0, len(fs.labels))

	for name := range fs.labels {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if !fs.labelSet[name] {
			return nil, errors.New("goto to undeclared label: %v", name)
		}

		fs.seal(fs.labels[name])
	}

	for _, b := range irf.Blocks {
		if b.Term == nil {
			b.Term = ir.Unreachable{}
		}
	}

	for b := range fs.incomplete {
		if !fs.sealed[b] {
			fs.seal(b)
		}
	}

	tr.V("lower").Printw("lowered function", "name", f.Name, "blocks", len(irf.Blocks), "vars", irf.NVars)

	if tr.If("dump_lower") {
		tr.Printw("ir", "func", f.Name, "text", irf.Format())
	}

	return irf, nil
}

// emit appends an instruction to the current block. With a dead
// cursor the instruction is dropped, which implements dead code
// elimination after return/goto at lowering time.
func (fs *fstate) emit(x any) {
	if fs.cur < 0 {
		return
	}

	b := fs.irf.Blocks[fs.cur]
	b.Instrs = append(b.Instrs, x)
}

// term ends the current block and kills the cursor.
func (fs *fstate) term(t any) {
	if fs.cur < 0 {
		return
	}

	b := fs.irf.Blocks[fs.cur]

	if b.Term != nil {
		panic("double terminator")
	}

	b.Term = t

	switch t := t.(type) {
	case ir.Br:
		fs.addPred(t.To, fs.cur)
	case ir.CondBr:
		fs.addPred(t.Then, fs.cur)
		fs.addPred(t.Else, fs.cur)
	}

	fs.cur = -1
}

func (fs *fstate) addPred(b, pred ir.BlockID) {
	if fs.sealed[b] && len(fs.incomplete[b]) > 0 {
		panic("predecessor added to a sealed block with phis")
	}

	fs.preds[b] = append(fs.preds[b], pred)
}

// startBlock switches construction to b.
func (fs *fstate) startBlock(b ir.BlockID) {
	fs.cur = b
}

func (fs *fstate) pushScope() {
	fs.scopes = append(fs.scopes, map[string]*variable{})
}

func (fs *fstate) popScope() {
	fs.scopes = fs.scopes[:len(fs.scopes)-1]
}

// declareVar introduces an addressed (alloca or global backed)
// variable into the innermost scope.
func (fs *fstate) declareVar(name string, typ tp.Type, addr ir.Operand) *variable {
	v := &variable{
		key:  fs.nextKey(name),
		typ:  typ,
		addr: addr,
	}

	fs.scopes[len(fs.scopes)-1][name] = v

	return v
}

// declareSSAVar introduces a Braun-tracked scalar.
func (fs *fstate) declareSSAVar(name string, typ tp.Type) *variable {
	v := &variable{
		key: fs.nextKey(name),
		typ: typ,
		ssa: true,
	}

	fs.scopes[len(fs.scopes)-1][name] = v
	fs.vartp[v.key] = typ

	return v
}

func (fs *fstate) nextKey(name string) string {
	fs.nameid++
	return fmt.Sprintf("%s#%d", name, fs.nameid)
}

func (fs *fstate) findVar(name string) *variable {
	for i := len(fs.scopes) - 1; i >= 0; i-- {
		if v, ok := fs.scopes[i][name]; ok {
			return v
		}
	}

	return nil
}

// writeVariable records that key resolves to val in block b.
func (fs *fstate) writeVariable(key string, b ir.BlockID, val ir.Operand) {
	m, ok := fs.curdef[key]
	if !ok {
		m = map[ir.BlockID]ir.Operand{}
		fs.curdef[key] = m
	}

	m[b] = val
}

// readVariable resolves key in block b, recursing through
// predecessors and materializing phis at joins (Braun et al.).
func (fs *fstate) readVariable(key string, b ir.BlockID) ir.Operand {
	if v, ok := fs.curdef[key][b]; ok {
		return v
	}

	return fs.readVariableRecursive(key, b)
}

func (fs *fstate) readVariableRecursive(key string, b ir.BlockID) (val ir.Operand) {
	if !fs.sealed[b] {
		// incomplete phi, filled on seal
		id := fs.newPhiVar(key)
		fs.irf.Blocks[b].Instrs = prependPhi(fs.irf.Blocks[b].Instrs, ir.Phi{Dst: id})

		m, ok := fs.incomplete[b]
		if !ok {
			m = map[string]ir.VarID{}
			fs.incomplete[b] = m
		}

		m[key] = id
		val = ir.Var(id)
	} else if len(fs.preds[b]) == 1 {
		val = fs.readVariable(key, fs.preds[b][0])
	} else if len(fs.preds[b]) == 0 {
		// uninitialized reads default to zero
		val = zeroValue(fs.vartp[key])
	} else {
		// break potential cycles with an operandless phi
		id := fs.newPhiVar(key)
		fs.irf.Blocks[b].Instrs = prependPhi(fs.irf.Blocks[b].Instrs, ir.Phi{Dst: id})
		fs.writeVariable(key, b, ir.Var(id))

		val = fs.addPhiOperands(key, b, id)
	}

	fs.writeVariable(key, b, val)

	return val
}

func (fs *fstate) newPhiVar(key string) ir.VarID {
	id := fs.irf.NewVar()

	if t, ok := fs.vartp[key]; ok {
		fs.irf.VarTypes[id] = t
	}

	return id
}

func (fs *fstate) addPhiOperands(key string, b ir.BlockID, phi ir.VarID) ir.Operand {
	var args []ir.PhiArg

	for _, pred := range fs.preds[b] {
		args = append(args, ir.PhiArg{
			Block: pred,
			Val:   fs.readVariable(key, pred),
		})
	}

	fs.setPhiArgs(b, phi, args)

	return fs.tryRemoveTrivialPhi(b, phi)
}

func (fs *fstate) setPhiArgs(b ir.BlockID, phi ir.VarID, args []ir.PhiArg) {
	blk := fs.irf.Blocks[b]

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

	panic("phi not found")
}

// tryRemoveTrivialPhi collapses a phi whose operands are all the
// same value (the phi itself excluded) and propagates the
// replacement through existing users.
func (fs *fstate) tryRemoveTrivialPhi(b ir.BlockID, phi ir.VarID) ir.Operand {
	blk := fs.irf.Blocks[b]

	var args []ir.PhiArg

	for _, x := range blk.Instrs {
		p, ok := x.(ir.Phi)
		if !ok {
			break
		}

		if p.Dst == phi {
			args = p.Args
			break
		}
	}

	var same ir.Operand

	for _, a := range args {
		if v, ok := a.Val.(ir.Var); ok && ir.VarID(v) == phi {
			continue
		}

		if same != nil && a.Val != same {
			return ir.Var(phi)
		}

		same = a.Val
	}

	if same == nil {
		same = ir.Const(0)
	}

	fs.removePhi(b, phi)
	fs.replaceUses(ir.Var(phi), same)

	return same
}

func (fs *fstate) removePhi(b ir.BlockID, phi ir.VarID) {
	blk := fs.irf.Blocks[b]

	for i, x := range blk.Instrs {
		p, ok := x.(ir.Phi)
		if !ok {
			return
		}

		if p.Dst == phi {
			blk.Instrs = append(blk.Instrs[:i], blk.Instrs[i+1:]...)
			return
		}
	}
}

// replaceUses rewrites from to to across the whole function,
// including phis created earlier, and re-checks phis that may
// have become trivial.
func (fs *fstate) replaceUses(from, to ir.Operand) {
	for key, m := range fs.curdef {
		for b, v := range m {
			if v == from {
				fs.curdef[key][b] = to
			}
		}
	}

	var recheck []struct {
		b   ir.BlockID
		phi ir.VarID
	}

	for bi, blk := range fs.irf.Blocks {
		for i, x := range blk.Instrs {
			y := ir.Operands(x, func(o *ir.Operand) {
				if *o == from {
					*o = to
				}
			})

			blk.Instrs[i] = y

			if p, ok := y.(ir.Phi); ok && len(p.Args) > 0 {
				recheck = append(recheck, struct {
					b   ir.BlockID
					phi ir.VarID
				}{ir.BlockID(bi), p.Dst})
			}
		}

		if blk.Term != nil {
			blk.Term = ir.Operands(blk.Term, func(o *ir.Operand) {
				if *o == from {
					*o = to
				}
			})
		}
	}

	for _, r := range recheck {
		fs.tryRemoveTrivialPhi(r.b, r.phi)
	}
}

// seal marks that all predecessors of b are known and fills the
// incomplete phis. Loop headers are sealed after the back edge.
func (fs *fstate) seal(b ir.BlockID) {
	if fs.sealed[b] {
		return
	}

	tlog.V("seal").Printw("seal block", "block", b, "preds", fs.preds[b], "incomplete", len(fs.incomplete[b]), "from", loc.Callers(1, 2))

	fs.sealed[b] = true

	// deterministic phi fill order
	keys := make([]string, 0, len(fs.incomplete[b]))

	for key := range fs.incomplete[b] {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		fs.addPhiOperands(key, b, fs.incomplete[b][key])
	}

	delete(fs.incomplete, b)
}

func prependPhi(instrs []any, p ir.Phi) []any {
	instrs = append(instrs, nil)
	copy(instrs[1:], instrs)
	instrs[0] = p

	return instrs
}

func zeroValue(t tp.Type) ir.Operand {
	if tp.IsFloat(t) {
		return ir.FConst(0)
	}

	return ir.Const(0)
}
