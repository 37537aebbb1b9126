package lower

import (
	"fmt"

	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/tp"
)

func (fs *fstate) stmt(x ast.Stmt) error {
	switch x := x.(type) {
	case nil:
		return nil
	case *ast.Block:
		fs.pushScope()
		defer fs.popScope()

		for _, st := range x.Stmts {
			if err := fs.stmt(st); err != nil {
				return err
			}
		}

		return nil
	case *ast.Return:
		return fs.returnStmt(x)
	case *ast.If:
		return fs.ifStmt(x)
	case *ast.While:
		return fs.whileStmt(x)
	case *ast.DoWhile:
		return fs.doWhileStmt(x)
	case *ast.For:
		return fs.forStmt(x)
	case *ast.Switch:
		return fs.switchStmt(x)
	case ast.Break:
		if n := len(fs.breaks); n > 0 {
			fs.term(ir.Br{To: fs.breaks[n-1]})
		}

		return nil
	case ast.Continue:
		if n := len(fs.continues); n > 0 {
			fs.term(ir.Br{To: fs.continues[n-1]})
		}

		return nil
	case ast.Goto:
		b := fs.labelBlock(x.Label)
		fs.term(ir.Br{To: b})

		return nil
	case ast.Label:
		b := fs.labelBlock(x.Name)
		fs.labelSet[x.Name] = true

		if fs.cur >= 0 {
			fs.term(ir.Br{To: b})
		}

		fs.startBlock(b)

		return nil
	case *ast.Decl:
		return fs.declStmt(x)
	case *ast.MultiDecl:
		for _, d := range x.Decls {
			if err := fs.declStmt(d); err != nil {
				return err
			}
		}

		return nil
	case *ast.AsmStmt:
		return fs.asmStmt(x)
	case *ast.ExprStmt:
		_, _, err := fs.expr(x.X)
		return err
	default:
		return errors.New("unsupported statement: %T", x)
	}
}

// labelBlock creates the block for a label lazily; gotos collect
// as predecessors until the function body ends.
func (fs *fstate) labelBlock(name string) ir.BlockID {
	if b, ok := fs.labels[name]; ok {
		return b
	}

	b := fs.irf.NewBlock()
	fs.irf.Blocks[b].GotoTarget = true
	fs.labels[name] = b

	return b
}

func (fs *fstate) returnStmt(x *ast.Return) error {
	if x.X == nil {
		fs.term(ir.Ret{})
		return nil
	}

	v, vt, err := fs.expr(x.X)
	if err != nil {
		return errors.Wrap(err, "return value")
	}

	v, err = fs.convert(v, vt, fs.funcReturnTp)
	if err != nil {
		return err
	}

	fs.term(ir.Ret{Val: v})

	return nil
}

func (fs *fstate) ifStmt(x *ast.If) error {
	cond, _, err := fs.expr(x.Cond)
	if err != nil {
		return errors.Wrap(err, "if cond")
	}

	if fs.cur < 0 {
		return nil
	}

	thenB := fs.irf.NewBlock()
	merge := fs.irf.NewBlock()

	elseB := merge

	if x.Else != nil {
		elseB = fs.irf.NewBlock()
	}

	fs.term(ir.CondBr{Cond: cond, Then: thenB, Else: elseB})

	fs.seal(thenB)
	fs.startBlock(thenB)

	if err := fs.stmt(x.Then); err != nil {
		return errors.Wrap(err, "then")
	}

	fs.term(ir.Br{To: merge})

	if x.Else != nil {
		fs.seal(elseB)
		fs.startBlock(elseB)

		if err := fs.stmt(x.Else); err != nil {
			return errors.Wrap(err, "else")
		}

		fs.term(ir.Br{To: merge})
	}

	// both predecessors have terminated
	fs.seal(merge)
	fs.startBlock(merge)

	return nil
}

func (fs *fstate) whileStmt(x *ast.While) error {
	head := fs.irf.NewBlock() // unsealed until the back edge
	body := fs.irf.NewBlock()
	next := fs.irf.NewBlock()

	fs.term(ir.Br{To: head})
	fs.startBlock(head)

	cond, _, err := fs.expr(x.Cond)
	if err != nil {
		return errors.Wrap(err, "while cond")
	}

	fs.term(ir.CondBr{Cond: cond, Then: body, Else: next})
	fs.seal(body)

	fs.breaks = append(fs.breaks, next)
	fs.continues = append(fs.continues, head)

	fs.startBlock(body)
	err = fs.stmt(x.Body)

	fs.breaks = fs.breaks[:len(fs.breaks)-1]
	fs.continues = fs.continues[:len(fs.continues)-1]

	if err != nil {
		return errors.Wrap(err, "while body")
	}

	fs.term(ir.Br{To: head})
	fs.seal(head)
	fs.seal(next)

	fs.startBlock(next)

	return nil
}

func (fs *fstate) doWhileStmt(x *ast.DoWhile) error {
	body := fs.irf.NewBlock() // unsealed until the back edge
	cond := fs.irf.NewBlock()
	next := fs.irf.NewBlock()

	fs.term(ir.Br{To: body})

	fs.breaks = append(fs.breaks, next)
	fs.continues = append(fs.continues, cond)

	fs.startBlock(body)
	err := fs.stmt(x.Body)

	fs.breaks = fs.breaks[:len(fs.breaks)-1]
	fs.continues = fs.continues[:len(fs.continues)-1]

	if err != nil {
		return errors.Wrap(err, "do body")
	}

	fs.term(ir.Br{To: cond})
	fs.seal(cond)

	fs.startBlock(cond)

	c, _, err := fs.expr(x.Cond)
	if err != nil {
		return errors.Wrap(err, "do cond")
	}

	fs.term(ir.CondBr{Cond: c, Then: body, Else: next})
	fs.seal(body)
	fs.seal(next)

	fs.startBlock(next)

	return nil
}

func (fs *fstate) forStmt(x *ast.For) error {
	fs.pushScope()
	defer fs.popScope()

	if err := fs.stmt(x.Init); err != nil {
		return errors.Wrap(err, "for init")
	}

	head := fs.irf.NewBlock() // unsealed until the back edge
	body := fs.irf.NewBlock()
	post := fs.irf.NewBlock()
	next := fs.irf.NewBlock()

	fs.term(ir.Br{To: head})
	fs.startBlock(head)

	if x.Cond != nil {
		c, _, err := fs.expr(x.Cond)
		if err != nil {
			return errors.Wrap(err, "for cond")
		}

		fs.term(ir.CondBr{Cond: c, Then: body, Else: next})
	} else {
		fs.term(ir.Br{To: body})
	}

	fs.seal(body)

	fs.breaks = append(fs.breaks, next)
	fs.continues = append(fs.continues, post)

	fs.startBlock(body)
	err := fs.stmt(x.Body)

	fs.breaks = fs.breaks[:len(fs.breaks)-1]
	fs.continues = fs.continues[:len(fs.continues)-1]

	if err != nil {
		return errors.Wrap(err, "for body")
	}

	fs.term(ir.Br{To: post})
	fs.seal(post)
	fs.startBlock(post)

	if x.Post != nil {
		if _, _, err := fs.expr(x.Post); err != nil {
			return errors.Wrap(err, "for post")
		}
	}

	fs.term(ir.Br{To: head})
	fs.seal(head)
	fs.seal(next)

	fs.startBlock(next)

	return nil
}

// switchStmt lowers to a linear CondBr chain against each case
// constant; default is the fallthrough destination. Fallthrough
// between case bodies is a Br to the next body.
func (fs *fstate) switchStmt(x *ast.Switch) error {
	v, vt, err := fs.expr(x.X)
	if err != nil {
		return errors.Wrap(err, "switch expr")
	}

	w, err := fs.width(vt)
	if err != nil {
		return err
	}

	next := fs.irf.NewBlock()

	bodies := make([]ir.BlockID, len(x.Cases))
	defaultB := next

	for i, c := range x.Cases {
		bodies[i] = fs.irf.NewBlock()

		if c.Default {
			defaultB = bodies[i]
		}
	}

	// comparison chain
	for i, c := range x.Cases {
		if c.Default {
			continue
		}

		if fs.cur < 0 {
			break
		}

		eq := fs.irf.NewVar()
		fs.emit(ir.Binary{Dst: eq, Op: ir.Eq, L: v, R: ir.Const(c.Value), Width: w, Signed: true})

		test := fs.irf.NewBlock()
		fs.term(ir.CondBr{Cond: ir.Var(eq), Then: bodies[i], Else: test})
		fs.seal(test)
		fs.startBlock(test)
	}

	fs.term(ir.Br{To: defaultB})

	fs.breaks = append(fs.breaks, next)

	for i, c := range x.Cases {
		fs.seal(bodies[i])
		fs.startBlock(bodies[i])

		for _, st := range c.Body {
			if err := fs.stmt(st); err != nil {
				fs.breaks = fs.breaks[:len(fs.breaks)-1]
				return errors.Wrap(err, "case body")
			}
		}

		// fallthrough
		if i+1 < len(bodies) {
			fs.term(ir.Br{To: bodies[i+1]})
		} else {
			fs.term(ir.Br{To: next})
		}
	}

	fs.breaks = fs.breaks[:len(fs.breaks)-1]

	fs.seal(next)
	fs.startBlock(next)

	return nil
}

func (fs *fstate) declStmt(d *ast.Decl) error {
	typ, err := fs.resolveTypeof(d.Type)
	if err != nil {
		return errors.Wrap(err, "decl %v", d.Name)
	}

	if d.Static {
		return fs.staticLocal(d, typ)
	}

	q := tp.QualOf(typ)

	if tp.IsScalar(typ) && !q.Volatile && !fs.addrTaken(d.Name) {
		v := fs.declareSSAVar(d.Name, typ)

		var init ir.Operand = zeroValue(typ)

		if d.Init != nil {
			val, vt, err := fs.expr(d.Init)
			if err != nil {
				return errors.Wrap(err, "init of %v", d.Name)
			}

			init, err = fs.convert(val, vt, typ)
			if err != nil {
				return err
			}
		}

		if fs.cur >= 0 {
			fs.writeVariable(v.key, fs.cur, init)
		}

		return nil
	}

	size, err := fs.defs.Sizeof(typ)
	if err != nil {
		return errors.Wrap(err, "sizeof %v", d.Name)
	}

	slot := fs.irf.NewVar()
	fs.irf.VarTypes[slot] = tp.Ptr{X: typ}
	fs.emit(ir.Alloca{Dst: slot, Type: typ, Size: size})

	fs.declareVar(d.Name, typ, ir.Var(slot))

	if d.Init == nil {
		return nil
	}

	return fs.lowerInit(ir.Var(slot), typ, d.Init, q.Volatile)
}

// staticLocal turns a static local into a uniquely named global.
func (fs *fstate) staticLocal(d *ast.Decl, typ tp.Type) error {
	fs.statics++
	label := fmt.Sprintf("%s.%s.%d", fs.f.Name, d.Name, fs.statics)

	g := &ast.Global{
		Name:   label,
		Type:   typ,
		Init:   d.Init,
		Static: true,
		Attrs:  d.Attrs,
	}

	if err := fs.state.lowerGlobal(g); err != nil {
		return errors.Wrap(err, "static local %v", d.Name)
	}

	fs.declareVar(d.Name, typ, ir.Global(label))

	return nil
}

// lowerInit stores an initializer into memory at addr.
func (fs *fstate) lowerInit(addr ir.Operand, typ tp.Type, init ast.Expr, volatile bool) error {
	l, ok := init.(*ast.InitList)
	if !ok {
		v, vt, err := fs.expr(init)
		if err != nil {
			return err
		}

		v, err = fs.convert(v, vt, typ)
		if err != nil {
			return err
		}

		fs.emit(ir.Store{Addr: addr, Val: v, Type: typ, Volatile: volatile})

		return nil
	}

	switch t := tp.Unqual(typ).(type) {
	case tp.Array:
		return fs.initArray(addr, t, l, volatile)
	case tp.Struct, tp.Union, tp.Typedef:
		sd, err := fs.defs.FindDef(typ)
		if err != nil {
			return err
		}

		return fs.initStruct(addr, sd, l, volatile)
	default:
		if len(l.Items) == 1 {
			return fs.lowerInit(addr, typ, l.Items[0].Value, volatile)
		}

		return errors.New("initializer list for scalar %T", t)
	}
}

func (fs *fstate) initArray(addr ir.Operand, t tp.Array, l *ast.InitList, volatile bool) error {
	esize, err := fs.defs.Sizeof(t.X)
	if err != nil {
		return err
	}

	covered := map[int]bool{}
	pos := 0

	for _, item := range l.Items {
		idx := pos

		if item.Index >= 0 {
			idx = item.Index
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = tp.Ptr{X: t.X}
		fs.emit(ir.GetElementPtr{Dst: dst, Base: addr, Offset: idx * esize})

		if err := fs.lowerInit(ir.Var(dst), t.X, item.Value, volatile); err != nil {
			return err
		}

		covered[idx] = true
		pos = idx + 1
	}

	// zero the remainder
	for i := 0; i < t.Len; i++ {
		if covered[i] {
			continue
		}

		if !tp.IsScalar(t.X) {
			continue
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = tp.Ptr{X: t.X}
		fs.emit(ir.GetElementPtr{Dst: dst, Base: addr, Offset: i * esize})
		fs.emit(ir.Store{Addr: ir.Var(dst), Val: zeroValue(t.X), Type: t.X, Volatile: volatile})
	}

	return nil
}

func (fs *fstate) initStruct(addr ir.Operand, sd *tp.StructDef, l *ast.InitList, volatile bool) error {
	covered := map[string]bool{}
	pos := 0

	for _, item := range l.Items {
		fi := pos

		if item.Field != "" {
			fi = -1

			for j, f := range sd.Fields {
				if f.Name == item.Field {
					fi = j
					break
				}
			}

			if fi < 0 {
				return errors.New("no field %v in %v", item.Field, sd.Name)
			}
		}

		if fi >= len(sd.Fields) {
			return errors.New("too many initializers for %v", sd.Name)
		}

		f := sd.Fields[fi]

		off, ft, err := fs.defs.Offsetof(sd, f.Name)
		if err != nil {
			return err
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = tp.Ptr{X: ft}
		fs.emit(ir.GetElementPtr{Dst: dst, Base: addr, Offset: off})

		if err := fs.lowerInit(ir.Var(dst), ft, item.Value, volatile); err != nil {
			return err
		}

		covered[f.Name] = true
		pos = fi + 1
	}

	if sd.Union {
		return nil
	}

	for _, f := range sd.Fields {
		if covered[f.Name] || !tp.IsScalar(f.Type) {
			continue
		}

		off, ft, err := fs.defs.Offsetof(sd, f.Name)
		if err != nil {
			return err
		}

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = tp.Ptr{X: ft}
		fs.emit(ir.GetElementPtr{Dst: dst, Base: addr, Offset: off})
		fs.emit(ir.Store{Addr: ir.Var(dst), Val: zeroValue(ft), Type: ft, Volatile: volatile})
	}

	return nil
}

func (fs *fstate) asmStmt(x *ast.AsmStmt) error {
	a := ir.InlineAsm{
		Template: x.Template,
		Clobbers: x.Clobbers,
	}

	for _, op := range x.Outputs {
		addr, _, err := fs.lvalue(op.X)
		if err != nil {
			return errors.Wrap(err, "asm output")
		}

		a.Outputs = append(a.Outputs, ir.AsmArg{Constraint: op.Constraint, Val: addr})
	}

	for _, op := range x.Inputs {
		v, _, err := fs.expr(op.X)
		if err != nil {
			return errors.Wrap(err, "asm input")
		}

		a.Inputs = append(a.Inputs, ir.AsmArg{Constraint: op.Constraint, Val: v})
	}

	fs.emit(a)

	return nil
}

// addrTaken prescans the function body for &name.
func (fs *fstate) addrTaken(name string) bool {
	found := false

	var walkExpr func(ast.Expr)
	var walkStmt func(ast.Stmt)

	walkExpr = func(x ast.Expr) {
		if found || x == nil {
			return
		}

		switch x := x.(type) {
		case *ast.Unary:
			if x.Op == lex.Amp {
				if v, ok := x.X.(ast.Var); ok && v.Name == name {
					found = true
					return
				}
			}

			walkExpr(x.X)
		case *ast.Binary:
			walkExpr(x.L)
			walkExpr(x.R)
		case *ast.Assign:
			walkExpr(x.L)
			walkExpr(x.R)
		case *ast.IncDec:
			walkExpr(x.X)
		case *ast.Index:
			walkExpr(x.X)
			walkExpr(x.Index)
		case *ast.Call:
			for _, a := range x.Args {
				walkExpr(a)
			}
		case *ast.IndirectCall:
			walkExpr(x.Fn)

			for _, a := range x.Args {
				walkExpr(a)
			}
		case *ast.Cast:
			walkExpr(x.X)
		case *ast.Member:
			walkExpr(x.X)
		case *ast.SizeofExpr:
			walkExpr(x.X)
		case *ast.Ternary:
			walkExpr(x.Cond)
			walkExpr(x.Then)
			walkExpr(x.Else)
		case *ast.Comma:
			walkExpr(x.L)
			walkExpr(x.R)
		case *ast.CompoundLit:
			walkExpr(x.Init)
		case *ast.StmtExpr:
			walkStmt(x.Block)
		case *ast.InitList:
			for _, it := range x.Items {
				walkExpr(it.Value)
			}
		case *ast.GenericSel:
			walkExpr(x.Ctrl)

			for _, a := range x.Assoc {
				walkExpr(a.Value)
			}

			walkExpr(x.Default)
		}
	}

	walkStmt = func(x ast.Stmt) {
		if found || x == nil {
			return
		}

		switch x := x.(type) {
		case *ast.Block:
			for _, st := range x.Stmts {
				walkStmt(st)
			}
		case *ast.Return:
			walkExpr(x.X)
		case *ast.If:
			walkExpr(x.Cond)
			walkStmt(x.Then)
			walkStmt(x.Else)
		case *ast.While:
			walkExpr(x.Cond)
			walkStmt(x.Body)
		case *ast.DoWhile:
			walkStmt(x.Body)
			walkExpr(x.Cond)
		case *ast.For:
			walkStmt(x.Init)
			walkExpr(x.Cond)
			walkExpr(x.Post)
			walkStmt(x.Body)
		case *ast.Switch:
			walkExpr(x.X)

			for _, c := range x.Cases {
				for _, st := range c.Body {
					walkStmt(st)
				}
			}
		case *ast.Decl:
			walkExpr(x.Init)
		case *ast.MultiDecl:
			for _, d := range x.Decls {
				walkExpr(d.Init)
			}
		case *ast.AsmStmt:
			for _, op := range x.Outputs {
				walkExpr(op.X)
			}

			for _, op := range x.Inputs {
				walkExpr(op.X)
			}
		case *ast.ExprStmt:
			walkExpr(x.X)
		}
	}

	walkStmt(fs.f.Body)

	return found
}
