package lower

import (
	"math/bits"

	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/tp"
)

func (fs *fstate) callExpr(x *ast.Call) (ir.Operand, tp.Type, error) {
	if v, t, handled, err := fs.builtinCall(x); handled {
		return v, t, err
	}

	// a call through a function-pointer variable is indirect
	if fs.findVar(x.Name) != nil {
		return fs.indirectCallExpr(&ast.IndirectCall{Fn: ast.Var{Name: x.Name}, Args: x.Args})
	}

	for _, g := range fs.prog.Globals {
		if g.Name == x.Name {
			return fs.indirectCallExpr(&ast.IndirectCall{Fn: ast.Var{Name: x.Name}, Args: x.Args})
		}
	}

	var ret tp.Type = intType
	var paramTps []tp.Type
	variadic := false

	if pr, ok := fs.prog.Prototypes[x.Name]; ok {
		ret = pr.Ret
		paramTps = pr.Params
		variadic = pr.Variadic
	} else {
		for _, f := range fs.prog.Funcs {
			if f.Name == x.Name {
				ret = f.Ret
				variadic = f.Variadic

				for _, p := range f.Params {
					paramTps = append(paramTps, p.Type)
				}

				break
			}
		}
	}

	switch tp.Unqual(ret).(type) {
	case tp.Struct, tp.Union:
		return nil, nil, errors.New("struct return by value is not supported: %v", x.Name)
	}

	args, numFixed, err := fs.callArgs(x.Args, paramTps, variadic)
	if err != nil {
		return nil, nil, errors.Wrap(err, "call %v", x.Name)
	}

	c := ir.Call{
		Name:     x.Name,
		Args:     args,
		NumFixed: numFixed,
		Void:     tp.IsVoid(ret),
		FloatRet: tp.IsFloat(ret),
	}

	if c.Void {
		fs.emit(c)
		return ir.Const(0), ret, nil
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = ret
	c.Dst = dst
	fs.emit(c)

	return ir.Var(dst), ret, nil
}

func (fs *fstate) indirectCallExpr(x *ast.IndirectCall) (ir.Operand, tp.Type, error) {
	fn, ft, err := fs.expr(x.Fn)
	if err != nil {
		return nil, nil, err
	}

	r, err := fs.defs.Resolve(ft)
	if err != nil {
		return nil, nil, err
	}

	if p, ok := r.(tp.Ptr); ok {
		r, err = fs.defs.Resolve(p.X)
		if err != nil {
			return nil, nil, err
		}
	}

	var ret tp.Type = intType
	var paramTps []tp.Type
	variadic := false

	if f, ok := r.(tp.Func); ok {
		ret = f.Out
		paramTps = f.In
		variadic = f.Variadic
	}

	args, numFixed, err := fs.callArgs(x.Args, paramTps, variadic)
	if err != nil {
		return nil, nil, errors.Wrap(err, "indirect call")
	}

	c := ir.IndirectCall{
		Fn:       fn,
		Args:     args,
		NumFixed: numFixed,
		Void:     tp.IsVoid(ret),
		FloatRet: tp.IsFloat(ret),
	}

	if c.Void {
		fs.emit(c)
		return ir.Const(0), ret, nil
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = ret
	c.Dst = dst
	fs.emit(c)

	return ir.Var(dst), ret, nil
}

// callArgs evaluates arguments left to right. An argument can
// create new blocks (a ternary inside an argument), so the
// current block is re-read after each one.
func (fs *fstate) callArgs(args []ast.Expr, paramTps []tp.Type, variadic bool) ([]ir.Operand, int, error) {
	var out []ir.Operand

	for i, a := range args {
		v, vt, err := fs.expr(a)
		if err != nil {
			return nil, 0, errors.Wrap(err, "arg %d", i)
		}

		switch tp.Unqual(vt).(type) {
		case tp.Struct, tp.Union:
			return nil, 0, errors.New("struct argument by value is not supported")
		}

		if i < len(paramTps) {
			v, err = fs.convert(v, vt, paramTps[i])
			if err != nil {
				return nil, 0, err
			}
		} else if tp.IsFloat(vt) && fw(tp.Unqual(vt)) == 4 {
			// default argument promotion: float to double
			v, err = fs.convert(v, vt, tp.Float{Bits: 64})
			if err != nil {
				return nil, 0, err
			}
		}

		out = append(out, v)
	}

	numFixed := len(out)
	if variadic {
		numFixed = len(paramTps)
	}

	return out, numFixed, nil
}

// builtinCall handles the recognized __builtin_ intrinsics.
func (fs *fstate) builtinCall(x *ast.Call) (ir.Operand, tp.Type, bool, error) {
	fold1 := func(f func(int64) int64) (ir.Operand, tp.Type, bool, error) {
		if len(x.Args) != 1 {
			return nil, nil, true, errors.New("%v takes one argument", x.Name)
		}

		v, _, err := fs.expr(x.Args[0])
		if err != nil {
			return nil, nil, true, err
		}

		if c, ok := v.(ir.Const); ok {
			return ir.Const(f(int64(c))), intType, true, nil
		}

		// non-constant operands stay as an intrinsic call the
		// codegen recognizes
		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = intType
		fs.emit(ir.Call{Dst: dst, Name: x.Name, Args: []ir.Operand{v}, NumFixed: 1})

		return ir.Var(dst), intType, true, nil
	}

	switch x.Name {
	case "__builtin_clz":
		return fold1(func(v int64) int64 { return int64(bits.LeadingZeros32(uint32(v))) })
	case "__builtin_ctz":
		return fold1(func(v int64) int64 { return int64(bits.TrailingZeros32(uint32(v))) })
	case "__builtin_popcount":
		return fold1(func(v int64) int64 { return int64(bits.OnesCount32(uint32(v))) })
	case "__builtin_abs":
		if len(x.Args) != 1 {
			return nil, nil, true, errors.New("%v takes one argument", x.Name)
		}

		v, _, err := fs.expr(x.Args[0])
		if err != nil {
			return nil, nil, true, err
		}

		// (x ^ (x>>31)) - (x>>31)
		sh := fs.irf.NewVar()
		fs.irf.VarTypes[sh] = intType
		fs.emit(ir.Binary{Dst: sh, Op: ir.Shr, L: v, R: ir.Const(31), Width: 4, Signed: true})

		xo := fs.irf.NewVar()
		fs.irf.VarTypes[xo] = intType
		fs.emit(ir.Binary{Dst: xo, Op: ir.Xor, L: v, R: ir.Var(sh), Width: 4, Signed: true})

		dst := fs.irf.NewVar()
		fs.irf.VarTypes[dst] = intType
		fs.emit(ir.Binary{Dst: dst, Op: ir.Sub, L: ir.Var(xo), R: ir.Var(sh), Width: 4, Signed: true})

		return ir.Var(dst), intType, true, nil
	case "__builtin_unreachable", "__builtin_trap":
		fs.term(ir.Unreachable{})
		return ir.Const(0), intType, true, nil
	case "__builtin_va_start", "va_start":
		if len(x.Args) < 1 {
			return nil, nil, true, errors.New("va_start needs the list argument")
		}

		ap, _, err := fs.expr(x.Args[0])
		if err != nil {
			return nil, nil, true, err
		}

		fs.emit(ir.VaStart{List: ap})

		return ir.Const(0), tp.Void{}, true, nil
	case "__builtin_va_end", "va_end":
		if len(x.Args) != 1 {
			return nil, nil, true, errors.New("va_end takes one argument")
		}

		ap, _, err := fs.expr(x.Args[0])
		if err != nil {
			return nil, nil, true, err
		}

		fs.emit(ir.VaEnd{List: ap})

		return ir.Const(0), tp.Void{}, true, nil
	case "__builtin_va_copy", "va_copy":
		if len(x.Args) != 2 {
			return nil, nil, true, errors.New("va_copy takes two arguments")
		}

		dst, _, err := fs.expr(x.Args[0])
		if err != nil {
			return nil, nil, true, err
		}

		src, _, err := fs.expr(x.Args[1])
		if err != nil {
			return nil, nil, true, err
		}

		fs.emit(ir.VaCopy{Dst: dst, Src: src})

		return ir.Const(0), tp.Void{}, true, nil
	}

	return nil, nil, false, nil
}

func (fs *fstate) vaArgExpr(x *ast.VaArgExpr) (ir.Operand, tp.Type, error) {
	ap, _, err := fs.expr(x.List)
	if err != nil {
		return nil, nil, err
	}

	t, err := fs.resolveTypeof(x.Type)
	if err != nil {
		return nil, nil, err
	}

	dst := fs.irf.NewVar()
	fs.irf.VarTypes[dst] = t
	fs.emit(ir.VaArg{Dst: dst, List: ap, Type: t})

	return ir.Var(dst), t, nil
}
