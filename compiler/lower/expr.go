package lower

import (
	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/tp"
)

var intType = tp.Type(tp.MakeInt(32, true))

// expr lowers an expression to an operand and its source type.
// Aggregate-typed expressions evaluate to their address.
func (fs *fstate) expr(x ast.Expr) (ir.Operand, tp.Type, error) {
	switch x := x.(type) {
	case ast.IntLit:
		return ir.Const(x.Value), suffixType(x.Suffix), nil
	case ast.FloatLitExpr:
		return ir.FConst(x.Value), tp.Float{Bits: 64}, nil
	case ast.StrLit:
		label := fs.p.InternString(x.Value)
		return ir.Global(label), tp.Ptr{X: tp.MakeInt(8, true)}, nil
	case ast.Var:
		return fs.varExpr(x.Name)
	case *ast.Binary:
		return fs.binaryExpr(x)
	case *ast.Unary:
		return fs.unaryExpr(x)
	case *ast.Assign:
		return fs.assignExpr(x)
	case *ast.IncDec:
		return fs.incDecExpr(x)
	case *ast.Index, *ast.Member:
		return fs.loadLvalue(x)
	case *ast.Call:
		return fs.callExpr(x)
	case *ast.IndirectCall:
		return fs.indirectCallExpr(x)
	case *ast.Cast:
		to, err := fs.resolveTypeof(x.Type)
		if err != nil {
			return nil, nil, err
		}

		v, vt, err := fs.expr(x.X)
		if err != nil {
			return nil, nil, err
		}

		v, err = fs.convert(v, vt, to)

		return v, to, err
	case ast.SizeofType:
		t, err := fs.resolveTypeof(x.Type)
		if err != nil {
			return nil, nil, err
		}

		n, err := fs.defs.Sizeof(t)
		if err != nil {
			return nil, nil, err
		}

		return ir.Const(n), tp.MakeInt(64, false), nil
	case *ast.SizeofExpr:
		t, err := fs.typeOf(x.X)
		if err != nil {
			return nil, nil, errors.Wrap(err, "sizeof")
		}

		n, err := fs.defs.Sizeof(t)
		if err != nil {
			return nil, nil, err
		}

		return ir.Const(n), tp.MakeInt(64, false), nil
	case ast.AlignofType:
		t, err := fs.resolveTypeof(x.Type)
		if err != nil {
			return nil, nil, err
		}

		n, err := fs.defs.Alignof(t)
		if err != nil {
			return nil, nil, err
		}

		return ir.Const(n), tp.MakeInt(64, false), nil
	case ast.Offsetof:
		sd, err := fs.defs.FindDef(x.Type)
		if err != nil {
			return nil, nil, err
		}

		off, _, err := fs.defs.Offsetof(sd, x.Field)
		if err != nil {
			return nil, nil, err
		}

		return ir.Const(off), tp.MakeInt(64, false), nil
	case *ast.Ternary:
		return fs.ternaryExpr(x)
	case *ast.Comma:
		if _, _, err := fs.expr(x.L); err != nil {
			return nil, nil, err
		}

		return fs.expr(x.R)
	case *ast.CompoundLit:
		return fs.compoundLit(x)
	case *ast.StmtExpr:
		return fs.stmtExpr(x)
	case *ast.GenericSel:
		return fs.genericSel(x)
	case *ast.VaArgExpr:
		return fs.vaArgExpr(x)
	default:
		return nil, nil, errors.New("unsupported expression: %T", x)
	}
}

func suffixType(s lex.Suffix) tp.Type {
	switch s {
	case lex.U:
		return tp.MakeInt(32, false)
	case lex.L, lex.LL:
		return tp.MakeInt(64, true)
	case lex.UL, lex.ULL:
		return tp.MakeInt(64, false)
	default:
		return intType
	}
}

func (fs *fstate) varExpr(name string) (ir.Operand, tp.Type, error) {
	if v := fs.findVar(name); v != nil {
		if v.ssa {
			if fs.cur < 0 {
				return zeroValue(v.typ), v.typ, nil
			}

			return fs.readVariable(v.key, fs.cur), v.typ, nil
		}

		return fs.loadAddr(v.addr, v.typ)
	}

	if c, ok := fs.defs.EnumConsts[name]; ok {
		return ir.Const(c), intType, nil
	}

	for _, g := range fs.prog.Globals {
		if g.Name == name {
			return fs.loadAddr(ir.Global(name), g.Type)
		}
	}

	if pr, ok := fs.prog.Prototypes[name]; ok {
		t := tp.Func{Out: pr.Ret, In: pr.Params, Variadic: pr.Variadic}
		return ir.Global(name), tp.Ptr{X: t}, nil
	}

	for _, f := range fs.prog.Funcs {
		if f.Name == name {
			t := funcType(f)
			return ir.Global(name), tp.Ptr{X: t}, nil
		}
	}

	return nil, nil, errors.New("undeclared name: %v", name)
}

func funcType(f *ast.Func) tp.Func {
	t := tp.Func{Out: f.Ret, Variadic: f.Variadic}

	for _, p := range f.Params {
		t.In = append(t.In, p.Type)
	}

	return t
}

// loadAddr reads a value through an address. Aggregates and
// functions evaluate to the address itself.
func (fs *fstate) loadAddr(addr ir.Operand, typ tp.Type) (ir.Operand, tp.Type, error) {
	switch tp.Unqual(typ).(type) {
	case tp.Array, tp.Struct, tp.Union, tp.Func:
		return addr, typ, nil
	}

	q := tp.QualOf(typ)

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = typ
	fs.emit(ir.Load{Dst: dst, Addr: addr, Type: typ, Volatile: q.Volatile})

	return ir.Var(dst), typ, nil
}

// lvalue computes the address of an assignable expression.
// SSA-tracked variables have no address and are an error here.
func (fs *fstate) lvalue(x ast.Expr) (ir.Operand, tp.Type, error) {
	addr, typ, v, err := fs.lvalueVar(x)
	if err != nil {
		return nil, nil, err
	}

	if v != nil {
		return nil, nil, errors.New("cannot take the address of a register variable")
	}

	return addr, typ, nil
}

// lvalueVar is lvalue that also understands SSA variables:
// a nil address with non-nil variable means an SSA-tracked var.
func (fs *fstate) lvalueVar(x ast.Expr) (ir.Operand, tp.Type, *variable, error) {
	switch x := x.(type) {
	case ast.Var:
		if v := fs.findVar(x.Name); v != nil {
			if v.ssa {
				return nil, v.typ, v, nil
			}

			return v.addr, v.typ, nil, nil
		}

		for _, g := range fs.prog.Globals {
			if g.Name == x.Name {
				return ir.Global(x.Name), g.Type, nil, nil
			}
		}

		return nil, nil, nil, errors.New("undeclared name: %v", x.Name)
	case *ast.Unary:
		if x.Op != lex.Star {
			return nil, nil, nil, errors.New("not an lvalue: unary %v", x.Op)
		}

		v, vt, err := fs.expr(x.X)
		if err != nil {
			return nil, nil, nil, err
		}

		elem, err := fs.elemType(vt)
		if err != nil {
			return nil, nil, nil, err
		}

		return v, elem, nil, nil
	case *ast.Index:
		base, bt, err := fs.expr(x.X)
		if err != nil {
			return nil, nil, nil, err
		}

		idx, it, err := fs.expr(x.Index)
		if err != nil {
			return nil, nil, nil, err
		}

		idx, err = fs.convert(idx, it, tp.MakeInt(64, true))
		if err != nil {
			return nil, nil, nil, err
		}

		elem, err := fs.elemType(bt)
		if err != nil {
			return nil, nil, nil, err
		}

		esize, err := fs.defs.Sizeof(elem)
		if err != nil {
			return nil, nil, nil, err
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = tp.Ptr{X: elem}
		fs.emit(ir.GetElementPtr{Dst: dst, Base: base, Index: idx, Scale: esize})

		return ir.Var(dst), elem, nil, nil
	case *ast.Member:
		var base ir.Operand
		var bt tp.Type
		var err error

		if x.Arrow {
			base, bt, err = fs.expr(x.X)
			if err != nil {
				return nil, nil, nil, err
			}

			bt, err = fs.elemType(bt)
			if err != nil {
				return nil, nil, nil, err
			}
		} else {
			base, bt, err = fs.memberBase(x.X)
			if err != nil {
				return nil, nil, nil, err
			}
		}

		sd, err := fs.defs.FindDef(bt)
		if err != nil {
			return nil, nil, nil, err
		}

		off, ft, err := fs.defs.Offsetof(sd, x.Field)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "field access")
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = tp.Ptr{X: ft}
		fs.emit(ir.GetElementPtr{Dst: dst, Base: base, Offset: off})

		return ir.Var(dst), ft, nil, nil
	case *ast.CompoundLit:
		v, vt, err := fs.compoundLitAddr(x)
		return v, vt, nil, err
	default:
		return nil, nil, nil, errors.New("not an lvalue: %T", x)
	}
}

// memberBase evaluates x for a value member access: aggregates
// already evaluate to their address.
func (fs *fstate) memberBase(x ast.Expr) (ir.Operand, tp.Type, error) {
	v, vt, err := fs.expr(x)
	if err != nil {
		return nil, nil, err
	}

	switch tp.Unqual(vt).(type) {
	case tp.Struct, tp.Union, tp.Typedef:
		return v, vt, nil
	}

	return nil, nil, errors.New("member access on non-struct %T", vt)
}

func (fs *fstate) elemType(t tp.Type) (tp.Type, error) {
	r, err := fs.defs.Resolve(t)
	if err != nil {
		return nil, err
	}

	switch r := r.(type) {
	case tp.Ptr:
		return r.X, nil
	case tp.Array:
		return r.X, nil
	default:
		return nil, errors.New("not a pointer: %T", r)
	}
}

func (fs *fstate) loadLvalue(x ast.Expr) (ir.Operand, tp.Type, error) {
	addr, typ, v, err := fs.lvalueVar(x)
	if err != nil {
		return nil, nil, err
	}

	if v != nil {
		if fs.cur < 0 {
			return zeroValue(v.typ), v.typ, nil
		}

		return fs.readVariable(v.key, fs.cur), v.typ, nil
	}

	return fs.loadAddr(addr, typ)
}

func (fs *fstate) binaryExpr(x *ast.Binary) (ir.Operand, tp.Type, error) {
	if x.Op == lex.AndAnd || x.Op == lex.OrOr {
		return fs.shortCircuit(x)
	}

	l, lt, err := fs.expr(x.L)
	if err != nil {
		return nil, nil, err
	}

	r, rt, err := fs.expr(x.R)
	if err != nil {
		return nil, nil, err
	}

	return fs.binaryOp(x.Op, l, lt, r, rt)
}

func (fs *fstate) binaryOp(op lex.Kind, l ir.Operand, lt tp.Type, r ir.Operand, rt tp.Type) (ir.Operand, tp.Type, error) {
	lr, err := fs.defs.Resolve(lt)
	if err != nil {
		return nil, nil, err
	}

	rr, err := fs.defs.Resolve(rt)
	if err != nil {
		return nil, nil, err
	}

	// pointer arithmetic scales by the element size
	if isPtrish(lr) && (op == lex.Plus || op == lex.Minus) {
		if isPtrish(rr) && op == lex.Minus {
			return fs.ptrDiff(l, lr, r)
		}

		if !isPtrish(rr) {
			return fs.ptrAdd(op, l, lr, r, rt)
		}
	}

	if isPtrish(rr) && op == lex.Plus {
		return fs.ptrAdd(op, r, rr, l, lt)
	}

	irop, ok := binOps[op]
	if !ok {
		return nil, nil, errors.New("unsupported binary op: %v", op)
	}

	if tp.IsFloat(lr) || tp.IsFloat(rr) {
		w := 4

		if fw(lr) == 8 || fw(rr) == 8 {
			w = 8
		}

		ft := tp.Type(tp.Float{Bits: int16(w * 8)})

		l, err = fs.convert(l, lt, ft)
		if err != nil {
			return nil, nil, err
		}

		r, err = fs.convert(r, rt, ft)
		if err != nil {
			return nil, nil, err
		}

		dst := fs.irf.NewVar()

		if irop.IsComparison() {
			fs.irf.VarTypes[dst] = intType
			fs.emit(ir.FloatBinary{Dst: dst, Op: irop, L: l, R: r, Width: w})

			return ir.Var(dst), intType, nil
		}

		fs.irf.VarTypes[dst] = ft
		fs.emit(ir.FloatBinary{Dst: dst, Op: irop, L: l, R: r, Width: w})

		return ir.Var(dst), ft, nil
	}

	ct := commonIntType(lr, rr)
	w, _ := fs.width(ct)

	l, err = fs.convert(l, lt, ct)
	if err != nil {
		return nil, nil, err
	}

	r, err = fs.convert(r, rt, ct)
	if err != nil {
		return nil, nil, err
	}

	dst := fs.irf.NewVar()

	rtp := ct
	if irop.IsComparison() {
		rtp = intType
	}

	fs.irf.VarTypes[dst] = rtp
	fs.emit(ir.Binary{Dst: dst, Op: irop, L: l, R: r, Width: w, Signed: tp.IsSigned(ct)})

	return ir.Var(dst), rtp, nil
}

var binOps = map[lex.Kind]ir.Op{
	lex.Plus: ir.Add, lex.Minus: ir.Sub, lex.Star: ir.Mul,
	lex.Slash: ir.Div, lex.Percent: ir.Mod,
	lex.Amp: ir.And, lex.Pipe: ir.Or, lex.Caret: ir.Xor,
	lex.Shl: ir.Shl, lex.Shr: ir.Shr,
	lex.Eq: ir.Eq, lex.Ne: ir.Ne, lex.Lt: ir.Lt, lex.Le: ir.Le,
	lex.Gt: ir.Gt, lex.Ge: ir.Ge,
}

func isPtrish(t tp.Type) bool {
	switch t.(type) {
	case tp.Ptr, tp.Array:
		return true
	}

	return false
}

func fw(t tp.Type) int {
	if f, ok := tp.Unqual(t).(tp.Float); ok {
		return int(f.Bits) / 8
	}

	return 0
}

// commonIntType implements the usual arithmetic conversions for
// the integer subset: promote to at least int, wider wins, on
// equal width unsigned wins.
func commonIntType(l, r tp.Type) tp.Type {
	lw, ls := intWidthSign(l)
	rw, rs := intWidthSign(r)

	if lw < 4 {
		lw, ls = 4, true
	}

	if rw < 4 {
		rw, rs = 4, true
	}

	w := lw
	if rw > w {
		w = rw
	}

	signed := ls && rs

	if lw == rw {
		signed = ls && rs
	} else if lw > rw {
		signed = ls
	} else {
		signed = rs
	}

	return tp.MakeInt(w*8, signed)
}

func intWidthSign(t tp.Type) (int, bool) {
	switch t := tp.Unqual(t).(type) {
	case tp.Int:
		return int(t.Bits) / 8, t.Signed
	case tp.Enum:
		return 4, true
	case tp.Bool:
		return 1, false
	case tp.Ptr, tp.Func, tp.Array:
		return 8, false
	default:
		return 4, true
	}
}

func (fs *fstate) ptrAdd(op lex.Kind, p ir.Operand, pt tp.Type, n ir.Operand, nt tp.Type) (ir.Operand, tp.Type, error) {
	elem, err := fs.elemType(pt)
	if err != nil {
		return nil, nil, err
	}

	esize, err := fs.defs.Sizeof(elem)
	if err != nil {
		return nil, nil, err
	}

	n, err = fs.convert(n, nt, tp.MakeInt(64, true))
	if err != nil {
		return nil, nil, err
	}

	if op == lex.Minus {
		neg := fs.irf.NewVar()
		fs.irf.VarTypes[neg] = tp.MakeInt(64, true)
		fs.emit(ir.Unary{Dst: neg, Op: ir.Neg, X: n, Width: 8, Signed: true})
		n = ir.Var(neg)
	}

	rt := pt
	if _, ok := pt.(tp.Array); ok {
		rt = tp.Ptr{X: elem}
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = rt
	fs.emit(ir.GetElementPtr{Dst: dst, Base: p, Index: n, Scale: esize})

	return ir.Var(dst), rt, nil
}

// ptrDiff divides the byte difference by the element size.
func (fs *fstate) ptrDiff(l ir.Operand, lt tp.Type, r ir.Operand) (ir.Operand, tp.Type, error) {
	elem, err := fs.elemType(lt)
	if err != nil {
		return nil, nil, err
	}

	esize, err := fs.defs.Sizeof(elem)
	if err != nil {
		return nil, nil, err
	}

	diff := fs.irf.NewVar()
	fs.irf.VarTypes[diff] = tp.MakeInt(64, true)
	fs.emit(ir.Binary{Dst: diff, Op: ir.Sub, L: l, R: r, Width: 8, Signed: true})

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = tp.MakeInt(64, true)
	fs.emit(ir.Binary{Dst: dst, Op: ir.Div, L: ir.Var(diff), R: ir.Const(esize), Width: 8, Signed: true})

	return ir.Var(dst), tp.MakeInt(64, true), nil
}

// shortCircuit lowers && and || with control flow and a phi.
func (fs *fstate) shortCircuit(x *ast.Binary) (ir.Operand, tp.Type, error) {
	l, lt, err := fs.expr(x.L)
	if err != nil {
		return nil, nil, err
	}

	lb, err := fs.truth(l, lt)
	if err != nil {
		return nil, nil, err
	}

	if fs.cur < 0 {
		return ir.Const(0), intType, nil
	}

	rhs := fs.irf.NewBlock()
	merge := fs.irf.NewBlock()

	from := fs.cur

	if x.Op == lex.AndAnd {
		fs.term(ir.CondBr{Cond: lb, Then: rhs, Else: merge})
	} else {
		fs.term(ir.CondBr{Cond: lb, Then: merge, Else: rhs})
	}

	fs.seal(rhs)
	fs.startBlock(rhs)

	r, rt, err := fs.expr(x.R)
	if err != nil {
		return nil, nil, err
	}

	rb, err := fs.truth(r, rt)
	if err != nil {
		return nil, nil, err
	}

	rhsEnd := fs.cur
	fs.term(ir.Br{To: merge})
	fs.seal(merge)
	fs.startBlock(merge)

	short := ir.Const(0)
	if x.Op == lex.OrOr {
		short = ir.Const(1)
	}

	args := []ir.PhiArg{{Block: from, Val: short}}

	if rhsEnd >= 0 {
		args = append(args, ir.PhiArg{Block: rhsEnd, Val: rb})
	}

	if len(args) == 1 {
		return args[0].Val, intType, nil
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = intType

	blk := fs.irf.Blocks[merge]
	blk.Instrs = prependPhi(blk.Instrs, ir.Phi{Dst: dst, Args: args})

	return ir.Var(dst), intType, nil
}

// truth normalizes a value to 0/1.
func (fs *fstate) truth(v ir.Operand, vt tp.Type) (ir.Operand, error) {
	if fs.cur < 0 {
		return ir.Const(0), nil
	}

	r, err := fs.defs.Resolve(vt)
	if err != nil {
		return nil, err
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = intType

	if tp.IsFloat(r) {
		fs.emit(ir.FloatBinary{Dst: dst, Op: ir.Ne, L: v, R: ir.FConst(0), Width: fw(r)})
		return ir.Var(dst), nil
	}

	w := 4
	if ww, _ := intWidthSign(r); ww == 8 {
		w = 8
	}

	fs.emit(ir.Binary{Dst: dst, Op: ir.Ne, L: v, R: ir.Const(0), Width: w, Signed: true})

	return ir.Var(dst), nil
}

func (fs *fstate) unaryExpr(x *ast.Unary) (ir.Operand, tp.Type, error) {
	switch x.Op {
	case lex.Amp:
		addr, typ, err := fs.lvalue(x.X)
		if err != nil {
			return nil, nil, err
		}

		return addr, tp.Ptr{X: typ}, nil
	case lex.Star:
		return fs.loadDeref(x.X)
	}

	v, vt, err := fs.expr(x.X)
	if err != nil {
		return nil, nil, err
	}

	r, err := fs.defs.Resolve(vt)
	if err != nil {
		return nil, nil, err
	}

	switch x.Op {
	case lex.Plus:
		return v, vt, nil
	case lex.Minus:
		if tp.IsFloat(r) {
			if c, ok := v.(ir.FConst); ok {
				return ir.FConst(-float64(c)), vt, nil
			}

			dst := fs.irf.NewVar()
			fs.irf.VarTypes[dst] = vt
			fs.emit(ir.FloatUnary{Dst: dst, Op: ir.Neg, X: v, Width: fw(r)})

			return ir.Var(dst), vt, nil
		}

		if c, ok := v.(ir.Const); ok {
			return ir.Const(-int64(c)), vt, nil
		}

		w, _ := fs.width(vt)

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = vt
		fs.emit(ir.Unary{Dst: dst, Op: ir.Neg, X: v, Width: w, Signed: true})

		return ir.Var(dst), vt, nil
	case lex.Tilde:
		w, _ := fs.width(vt)

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = vt
		fs.emit(ir.Unary{Dst: dst, Op: ir.BitNot, X: v, Width: w, Signed: true})

		return ir.Var(dst), vt, nil
	case lex.Bang:
		b, err := fs.truth(v, vt)
		if err != nil {
			return nil, nil, err
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = intType
		fs.emit(ir.Unary{Dst: dst, Op: ir.LogNot, X: b, Width: 4, Signed: true})

		return ir.Var(dst), intType, nil
	default:
		return nil, nil, errors.New("unsupported unary op: %v", x.Op)
	}
}

func (fs *fstate) loadDeref(x ast.Expr) (ir.Operand, tp.Type, error) {
	v, vt, err := fs.expr(x)
	if err != nil {
		return nil, nil, err
	}

	elem, err := fs.elemType(vt)
	if err != nil {
		return nil, nil, err
	}

	return fs.loadAddr(v, elem)
}

func (fs *fstate) assignExpr(x *ast.Assign) (ir.Operand, tp.Type, error) {
	if x.Op == lex.Assign {
		addr, typ, v, err := fs.lvalueVar(x.L)
		if err != nil {
			return nil, nil, err
		}

		val, vt, err := fs.expr(x.R)
		if err != nil {
			return nil, nil, err
		}

		val, err = fs.convert(val, vt, typ)
		if err != nil {
			return nil, nil, err
		}

		if v != nil {
			if fs.cur >= 0 {
				fs.writeVariable(v.key, fs.cur, val)
			}

			return val, typ, nil
		}

		q := tp.QualOf(typ)
		fs.emit(ir.Store{Addr: addr, Val: val, Type: typ, Volatile: q.Volatile})

		return val, typ, nil
	}

	op, ok := compoundOps[x.Op]
	if !ok {
		return nil, nil, errors.New("unsupported assign op: %v", x.Op)
	}

	addr, typ, v, err := fs.lvalueVar(x.L)
	if err != nil {
		return nil, nil, err
	}

	var old ir.Operand

	if v != nil {
		if fs.cur < 0 {
			return zeroValue(typ), typ, nil
		}

		old = fs.readVariable(v.key, fs.cur)
	} else {
		old, _, err = fs.loadAddr(addr, typ)
		if err != nil {
			return nil, nil, err
		}
	}

	r, rt, err := fs.expr(x.R)
	if err != nil {
		return nil, nil, err
	}

	val, _, err := fs.binaryOp(op, old, typ, r, rt)
	if err != nil {
		return nil, nil, err
	}

	val, err = fs.convert(val, typ, typ)
	if err != nil {
		return nil, nil, err
	}

	if v != nil {
		fs.writeVariable(v.key, fs.cur, val)
		return val, typ, nil
	}

	q := tp.QualOf(typ)
	fs.emit(ir.Store{Addr: addr, Val: val, Type: typ, Volatile: q.Volatile})

	return val, typ, nil
}

var compoundOps = map[lex.Kind]lex.Kind{
	lex.AddAssign: lex.Plus,
	lex.SubAssign: lex.Minus,
	lex.MulAssign: lex.Star,
	lex.DivAssign: lex.Slash,
	lex.ModAssign: lex.Percent,
	lex.AndAssign: lex.Amp,
	lex.OrAssign:  lex.Pipe,
	lex.XorAssign: lex.Caret,
	lex.ShlAssign: lex.Shl,
	lex.ShrAssign: lex.Shr,
}

func (fs *fstate) incDecExpr(x *ast.IncDec) (ir.Operand, tp.Type, error) {
	op := lex.Plus
	if x.Op == lex.Dec {
		op = lex.Minus
	}

	addr, typ, v, err := fs.lvalueVar(x.X)
	if err != nil {
		return nil, nil, err
	}

	var old ir.Operand

	if v != nil {
		if fs.cur < 0 {
			return zeroValue(typ), typ, nil
		}

		old = fs.readVariable(v.key, fs.cur)
	} else {
		old, _, err = fs.loadAddr(addr, typ)
		if err != nil {
			return nil, nil, err
		}
	}

	nv, _, err := fs.binaryOp(op, old, typ, ir.Const(1), intType)
	if err != nil {
		return nil, nil, err
	}

	if v != nil {
		fs.writeVariable(v.key, fs.cur, nv)
	} else {
		q := tp.QualOf(typ)
		fs.emit(ir.Store{Addr: addr, Val: nv, Type: typ, Volatile: q.Volatile})
	}

	if x.Post {
		return old, typ, nil
	}

	return nv, typ, nil
}

// ternaryExpr lowers a ? b : c, including the GNU a ?: b form
// which binds the condition value once. The result type is
// decided up front so each arm converts in its own block.
func (fs *fstate) ternaryExpr(x *ast.Ternary) (ir.Operand, tp.Type, error) {
	rt := tp.Type(intType)

	thenAst := x.Then
	if thenAst == nil {
		thenAst = x.Cond
	}

	if tt, err := fs.typeOf(thenAst); err == nil {
		rt = tt

		if et, err := fs.typeOf(x.Else); err == nil && tp.IsFloat(et) && !tp.IsFloat(tt) {
			rt = et
		}
	}

	cond, ct, err := fs.expr(x.Cond)
	if err != nil {
		return nil, nil, err
	}

	cb, err := fs.truth(cond, ct)
	if err != nil {
		return nil, nil, err
	}

	if fs.cur < 0 {
		return ir.Const(0), intType, nil
	}

	thenB := fs.irf.NewBlock()
	elseB := fs.irf.NewBlock()
	merge := fs.irf.NewBlock()

	fs.term(ir.CondBr{Cond: cb, Then: thenB, Else: elseB})

	fs.seal(thenB)
	fs.seal(elseB)

	fs.startBlock(thenB)

	var tv ir.Operand

	if x.Then == nil {
		tv, err = fs.convert(cond, ct, rt)
	} else {
		var tt tp.Type

		tv, tt, err = fs.expr(x.Then)
		if err == nil {
			tv, err = fs.convert(tv, tt, rt)
		}
	}

	if err != nil {
		return nil, nil, err
	}

	thenEnd := fs.cur
	fs.term(ir.Br{To: merge})

	fs.startBlock(elseB)

	ev, et, err := fs.expr(x.Else)
	if err != nil {
		return nil, nil, err
	}

	ev, err = fs.convert(ev, et, rt)
	if err != nil {
		return nil, nil, err
	}

	elseEnd := fs.cur
	fs.term(ir.Br{To: merge})
	fs.seal(merge)
	fs.startBlock(merge)

	var args []ir.PhiArg

	if thenEnd >= 0 {
		args = append(args, ir.PhiArg{Block: thenEnd, Val: tv})
	}

	if elseEnd >= 0 {
		args = append(args, ir.PhiArg{Block: elseEnd, Val: ev})
	}

	switch len(args) {
	case 0:
		return zeroValue(rt), rt, nil
	case 1:
		return args[0].Val, rt, nil
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = rt

	blk := fs.irf.Blocks[merge]
	blk.Instrs = prependPhi(blk.Instrs, ir.Phi{Dst: dst, Args: args})

	return ir.Var(dst), rt, nil
}

func (fs *fstate) compoundLitAddr(x *ast.CompoundLit) (ir.Operand, tp.Type, error) {
	typ, err := fs.resolveTypeof(x.Type)
	if err != nil {
		return nil, nil, err
	}

	size, err := fs.defs.Sizeof(typ)
	if err != nil {
		return nil, nil, err
	}

	slot := fs.irf.NewVar()
	fs.irf.VarTypes[slot] = tp.Ptr{X: typ}
	fs.emit(ir.Alloca{Dst: slot, Type: typ, Size: size})

	err = fs.lowerInit(ir.Var(slot), typ, x.Init, false)
	if err != nil {
		return nil, nil, err
	}

	return ir.Var(slot), typ, nil
}

func (fs *fstate) compoundLit(x *ast.CompoundLit) (ir.Operand, tp.Type, error) {
	addr, typ, err := fs.compoundLitAddr(x)
	if err != nil {
		return nil, nil, err
	}

	return fs.loadAddr(addr, typ)
}

// stmtExpr lowers ({ stmts; last; }), the value is the value of
// the last expression statement.
func (fs *fstate) stmtExpr(x *ast.StmtExpr) (ir.Operand, tp.Type, error) {
	fs.pushScope()
	defer fs.popScope()

	stmts := x.Block.Stmts

	for i, st := range stmts {
		if i == len(stmts)-1 {
			if es, ok := st.(*ast.ExprStmt); ok {
				return fs.expr(es.X)
			}
		}

		if err := fs.stmt(st); err != nil {
			return nil, nil, err
		}
	}

	return ir.Const(0), intType, nil
}

// genericSel resolves _Generic at lowering time by the type of
// the control expression.
func (fs *fstate) genericSel(x *ast.GenericSel) (ir.Operand, tp.Type, error) {
	ct, err := fs.typeOf(x.Ctrl)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generic control")
	}

	cr, err := fs.defs.Resolve(ct)
	if err != nil {
		return nil, nil, err
	}

	for _, a := range x.Assoc {
		at, err := fs.defs.Resolve(a.Type)
		if err != nil {
			return nil, nil, err
		}

		if typeEqual(cr, at) {
			return fs.expr(a.Value)
		}
	}

	if x.Default != nil {
		return fs.expr(x.Default)
	}

	return nil, nil, errors.New("no generic association matches")
}

func typeEqual(a, b tp.Type) bool {
	switch a := a.(type) {
	case tp.Ptr:
		b, ok := b.(tp.Ptr)
		return ok && typeEqual(tp.Unqual(a.X), tp.Unqual(b.X))
	case tp.Array:
		b, ok := b.(tp.Array)
		return ok && a.Len == b.Len && typeEqual(tp.Unqual(a.X), tp.Unqual(b.X))
	default:
		return a == b
	}
}

// width returns the machine operand width for integer ops, 4 or 8.
func (fs *fstate) width(t tp.Type) (int, error) {
	r, err := fs.defs.Resolve(t)
	if err != nil {
		return 0, err
	}

	if w, _ := intWidthSign(r); w == 8 {
		return 8, nil
	}

	return 4, nil
}

// convert adapts a value between source types, emitting a Cast
// where the machine representation changes.
func (fs *fstate) convert(v ir.Operand, from, to tp.Type) (ir.Operand, error) {
	if from == nil || to == nil {
		return v, nil
	}

	fr, err := fs.defs.Resolve(from)
	if err != nil {
		return nil, err
	}

	tr, err := fs.defs.Resolve(to)
	if err != nil {
		return nil, err
	}

	ff, tf := tp.IsFloat(fr), tp.IsFloat(tr)

	switch {
	case !ff && !tf:
		// int to int: constants pass through, widening extends
		if c, ok := v.(ir.Const); ok {
			return c, nil
		}

		fwd, _ := intWidthSign(fr)
		twd, _ := intWidthSign(tr)

		if fwd >= twd {
			return v, nil
		}
	case ff && tf:
		if c, ok := v.(ir.FConst); ok {
			return c, nil
		}

		if fw(fr) == fw(tr) {
			return v, nil
		}
	case !ff && tf:
		if c, ok := v.(ir.Const); ok {
			return ir.FConst(float64(int64(c))), nil
		}
	case ff && !tf:
		if c, ok := v.(ir.FConst); ok {
			return ir.Const(int64(float64(c))), nil
		}
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = to
	fs.emit(ir.Cast{Dst: dst, Src: v, From: fr, To: tr})

	return ir.Var(dst), nil
}

// resolveTypeof replaces deferred typeof(expr) types.
func (fs *fstate) resolveTypeof(t tp.Type) (tp.Type, error) {
	switch x := t.(type) {
	case tp.Typeof:
		e, ok := x.Expr.(ast.Expr)
		if !ok {
			return nil, errors.New("typeof of a non-modelable expression")
		}

		return fs.typeOf(e)
	case tp.Qualified:
		inner, err := fs.resolveTypeof(x.X)
		if err != nil {
			return nil, err
		}

		return tp.Qualified{Qual: x.Qual, X: inner}, nil
	case tp.Ptr:
		inner, err := fs.resolveTypeof(x.X)
		if err != nil {
			return nil, err
		}

		return tp.Ptr{X: inner}, nil
	case tp.Array:
		inner, err := fs.resolveTypeof(x.X)
		if err != nil {
			return nil, err
		}

		return tp.Array{X: inner, Len: x.Len}, nil
	default:
		return t, nil
	}
}

// typeOf computes the type of an expression without lowering it.
func (fs *fstate) typeOf(x ast.Expr) (tp.Type, error) {
	switch x := x.(type) {
	case ast.IntLit:
		return suffixType(x.Suffix), nil
	case ast.FloatLitExpr:
		return tp.Float{Bits: 64}, nil
	case ast.StrLit:
		return tp.Ptr{X: tp.MakeInt(8, true)}, nil
	case ast.Var:
		if v := fs.findVar(x.Name); v != nil {
			return v.typ, nil
		}

		if _, ok := fs.defs.EnumConsts[x.Name]; ok {
			return intType, nil
		}

		for _, g := range fs.prog.Globals {
			if g.Name == x.Name {
				return g.Type, nil
			}
		}

		if pr, ok := fs.prog.Prototypes[x.Name]; ok {
			return tp.Ptr{X: tp.Func{Out: pr.Ret, In: pr.Params, Variadic: pr.Variadic}}, nil
		}

		for _, f := range fs.prog.Funcs {
			if f.Name == x.Name {
				return tp.Ptr{X: funcType(f)}, nil
			}
		}

		return nil, errors.New("undeclared name: %v", x.Name)
	case *ast.Binary:
		switch x.Op {
		case lex.AndAnd, lex.OrOr, lex.Eq, lex.Ne, lex.Lt, lex.Le, lex.Gt, lex.Ge:
			return intType, nil
		}

		lt, err := fs.typeOf(x.L)
		if err != nil {
			return nil, err
		}

		rt, err := fs.typeOf(x.R)
		if err != nil {
			return nil, err
		}

		lr, err := fs.defs.Resolve(lt)
		if err != nil {
			return nil, err
		}

		rr, err := fs.defs.Resolve(rt)
		if err != nil {
			return nil, err
		}

		if isPtrish(lr) {
			if isPtrish(rr) {
				return tp.MakeInt(64, true), nil
			}

			return lt, nil
		}

		if isPtrish(rr) {
			return rt, nil
		}

		if tp.IsFloat(lr) || tp.IsFloat(rr) {
			w := 4

			if fw(lr) == 8 || fw(rr) == 8 {
				w = 8
			}

			return tp.Float{Bits: int16(w * 8)}, nil
		}

		return commonIntType(lr, rr), nil
	case *ast.Unary:
		switch x.Op {
		case lex.Bang:
			return intType, nil
		case lex.Amp:
			t, err := fs.typeOf(x.X)
			if err != nil {
				return nil, err
			}

			return tp.Ptr{X: t}, nil
		case lex.Star:
			t, err := fs.typeOf(x.X)
			if err != nil {
				return nil, err
			}

			return fs.elemType(t)
		default:
			return fs.typeOf(x.X)
		}
	case *ast.Assign:
		return fs.typeOf(x.L)
	case *ast.IncDec:
		return fs.typeOf(x.X)
	case *ast.Index:
		t, err := fs.typeOf(x.X)
		if err != nil {
			return nil, err
		}

		return fs.elemType(t)
	case *ast.Call:
		if pr, ok := fs.prog.Prototypes[x.Name]; ok {
			return pr.Ret, nil
		}

		for _, f := range fs.prog.Funcs {
			if f.Name == x.Name {
				return f.Ret, nil
			}
		}

		return intType, nil
	case *ast.IndirectCall:
		t, err := fs.typeOf(x.Fn)
		if err != nil {
			return nil, err
		}

		r, err := fs.defs.Resolve(t)
		if err != nil {
			return nil, err
		}

		if p, ok := r.(tp.Ptr); ok {
			r, err = fs.defs.Resolve(p.X)
			if err != nil {
				return nil, err
			}
		}

		if f, ok := r.(tp.Func); ok {
			return f.Out, nil
		}

		return intType, nil
	case *ast.Cast:
		return fs.resolveTypeof(x.Type)
	case *ast.Member:
		bt, err := fs.typeOf(x.X)
		if err != nil {
			return nil, err
		}

		if x.Arrow {
			bt, err = fs.elemType(bt)
			if err != nil {
				return nil, err
			}
		}

		sd, err := fs.defs.FindDef(bt)
		if err != nil {
			return nil, err
		}

		_, ft, err := fs.defs.Offsetof(sd, x.Field)

		return ft, err
	case ast.SizeofType, *ast.SizeofExpr, ast.AlignofType, ast.Offsetof:
		return tp.MakeInt(64, false), nil
	case *ast.Ternary:
		if x.Then != nil {
			return fs.typeOf(x.Then)
		}

		return fs.typeOf(x.Cond)
	case *ast.Comma:
		return fs.typeOf(x.R)
	case *ast.CompoundLit:
		return fs.resolveTypeof(x.Type)
	case *ast.StmtExpr:
		if n := len(x.Block.Stmts); n > 0 {
			if es, ok := x.Block.Stmts[n-1].(*ast.ExprStmt); ok {
				return fs.typeOf(es.X)
			}
		}

		return intType, nil
	case *ast.GenericSel:
		ct, err := fs.typeOf(x.Ctrl)
		if err != nil {
			return nil, err
		}

		cr, err := fs.defs.Resolve(ct)
		if err != nil {
			return nil, err
		}

		for _, a := range x.Assoc {
			at, err := fs.defs.Resolve(a.Type)
			if err != nil {
				return nil, err
			}

			if typeEqual(cr, at) {
				return fs.typeOf(a.Value)
			}
		}

		if x.Default != nil {
			return fs.typeOf(x.Default)
		}

		return nil, errors.New("no generic association matches")
	case *ast.VaArgExpr:
		return fs.resolveTypeof(x.Type)
	default:
		return nil, errors.New("typeof of a non-modelable expression: %T", x)
	}
}
