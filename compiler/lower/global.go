package lower

import (
	"math"

	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/tp"
)

// lowerGlobal builds the data image of a global variable.
// Initializers must be constant expressions.
func (s *state) lowerGlobal(g *ast.Global) error {
	typ := g.Type

	size, err := s.defs.Sizeof(typ)
	if err != nil {
		return err
	}

	align, err := s.defs.Alignof(typ)
	if err != nil {
		return err
	}

	if g.Attrs.Aligned > align {
		align = g.Attrs.Aligned
	}

	def := &ir.GlobalDef{
		Name:    g.Name,
		Size:    size,
		Align:   align,
		Static:  g.Static,
		Extern:  g.Extern,
		Weak:    g.Attrs.Weak,
		Section: g.Attrs.Section,
	}

	if g.Init != nil && !g.Extern {
		def.Data, err = s.globalInit(typ, g.Init)
		if err != nil {
			return err
		}
	}

	s.p.Globals = append(s.p.Globals, def)

	return nil
}

func (s *state) globalInit(typ tp.Type, init ast.Expr) ([]ir.DataItem, error) {
	r, err := s.defs.Resolve(typ)
	if err != nil {
		return nil, err
	}

	if l, ok := init.(*ast.InitList); ok {
		switch t := r.(type) {
		case tp.Array:
			return s.globalInitArray(t, l)
		case tp.Struct, tp.Union:
			sd, err := s.defs.FindDef(r)
			if err != nil {
				return nil, err
			}

			return s.globalInitStruct(sd, l)
		default:
			if len(l.Items) == 1 {
				return s.globalInit(typ, l.Items[0].Value)
			}

			return nil, errors.New("initializer list for scalar global")
		}
	}

	// char arrays initialize from string literals
	if str, ok := init.(ast.StrLit); ok {
		if a, ok := r.(tp.Array); ok {
			if i, ok := tp.Unqual(a.X).(tp.Int); ok && i.Bits == 8 {
				b := append([]byte(str.Value), 0)

				items := []ir.DataItem{{Bytes: b}}

				if pad := a.Len - len(b); pad > 0 {
					items = append(items, ir.DataItem{Zero: pad})
				}

				return items, nil
			}
		}

		label := s.p.InternString(str.Value)

		return []ir.DataItem{{Ref: label}}, nil
	}

	size, err := s.defs.Sizeof(r)
	if err != nil {
		return nil, err
	}

	if tp.IsFloat(r) {
		f, err := s.constFloat(init)
		if err != nil {
			return nil, err
		}

		if size == 4 {
			return []ir.DataItem{{Size: 4, Value: int64(math.Float32bits(float32(f)))}}, nil
		}

		return []ir.DataItem{{Size: 8, Value: int64(math.Float64bits(f))}}, nil
	}

	// address constants: &x, function names, arrays
	if ref, ok := s.constAddr(init); ok {
		return []ir.DataItem{{Ref: ref}}, nil
	}

	v, err := s.constInt(init)
	if err != nil {
		return nil, err
	}

	return []ir.DataItem{{Size: size, Value: v}}, nil
}

func (s *state) globalInitArray(t tp.Array, l *ast.InitList) ([]ir.DataItem, error) {
	esize, err := s.defs.Sizeof(t.X)
	if err != nil {
		return nil, err
	}

	var items []ir.DataItem
	pos := 0
	filled := 0

	for _, item := range l.Items {
		idx := pos

		if item.Index >= 0 {
			idx = item.Index
		}

		if gap := idx*esize - filled; gap > 0 {
			items = append(items, ir.DataItem{Zero: gap})
			filled += gap
		} else if gap < 0 {
			return nil, errors.New("out of order array designators are not supported")
		}

		sub, err := s.globalInit(t.X, item.Value)
		if err != nil {
			return nil, err
		}

		items = append(items, sub...)
		filled += esize
		pos = idx + 1
	}

	if rest := t.Len*esize - filled; rest > 0 {
		items = append(items, ir.DataItem{Zero: rest})
	}

	return items, nil
}

func (s *state) globalInitStruct(sd *tp.StructDef, l *ast.InitList) ([]ir.DataItem, error) {
	total, err := s.structSize(sd)
	if err != nil {
		return nil, err
	}

	var items []ir.DataItem
	pos := 0
	filled := 0

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
				return nil, errors.New("no field %v in %v", item.Field, sd.Name)
			}
		}

		if fi >= len(sd.Fields) {
			return nil, errors.New("too many initializers for %v", sd.Name)
		}

		f := sd.Fields[fi]

		off, ft, err := s.defs.Offsetof(sd, f.Name)
		if err != nil {
			return nil, err
		}

		if gap := off - filled; gap > 0 {
			items = append(items, ir.DataItem{Zero: gap})
			filled += gap
		} else if gap < 0 {
			return nil, errors.New("out of order struct designators are not supported")
		}

		sub, err := s.globalInit(ft, item.Value)
		if err != nil {
			return nil, err
		}

		items = append(items, sub...)

		fsize, err := s.defs.Sizeof(ft)
		if err != nil {
			return nil, err
		}

		filled += fsize
		pos = fi + 1
	}

	if rest := total - filled; rest > 0 {
		items = append(items, ir.DataItem{Zero: rest})
	}

	return items, nil
}

func (s *state) structSize(sd *tp.StructDef) (int, error) {
	if sd.Union {
		return s.defs.Sizeof(tp.Union{Name: sd.Name})
	}

	return s.defs.Sizeof(tp.Struct{Name: sd.Name})
}

// constInt folds an integer constant expression for a global
// initializer.
func (s *state) constInt(x ast.Expr) (int64, error) {
	switch x := x.(type) {
	case ast.IntLit:
		return x.Value, nil
	case ast.FloatLitExpr:
		return int64(x.Value), nil
	case ast.Var:
		if v, ok := s.defs.EnumConsts[x.Name]; ok {
			return v, nil
		}

		return 0, errors.New("not a constant: %v", x.Name)
	case *ast.Unary:
		v, err := s.constInt(x.X)
		if err != nil {
			return 0, err
		}

		switch x.Op {
		case lex.Plus:
			return v, nil
		case lex.Minus:
			return -v, nil
		case lex.Tilde:
			return ^v, nil
		case lex.Bang:
			if v == 0 {
				return 1, nil
			}

			return 0, nil
		}

		return 0, errors.New("not a constant op: %v", x.Op)
	case *ast.Binary:
		l, err := s.constInt(x.L)
		if err != nil {
			return 0, err
		}

		r, err := s.constInt(x.R)
		if err != nil {
			return 0, err
		}

		return foldIntOp(x.Op, l, r)
	case *ast.Cast:
		return s.constInt(x.X)
	case ast.SizeofType:
		v, err := s.defs.Sizeof(x.Type)
		return int64(v), err
	case ast.AlignofType:
		v, err := s.defs.Alignof(x.Type)
		return int64(v), err
	default:
		return 0, errors.New("global initializer is not constant: %T", x)
	}
}

func foldIntOp(op lex.Kind, l, r int64) (int64, error) {
	switch op {
	case lex.Plus:
		return l + r, nil
	case lex.Minus:
		return l - r, nil
	case lex.Star:
		return l * r, nil
	case lex.Slash:
		if r == 0 {
			return 0, errors.New("division by zero in constant")
		}

		return l / r, nil
	case lex.Percent:
		if r == 0 {
			return 0, errors.New("division by zero in constant")
		}

		return l % r, nil
	case lex.Amp:
		return l & r, nil
	case lex.Pipe:
		return l | r, nil
	case lex.Caret:
		return l ^ r, nil
	case lex.Shl:
		return l << uint(r), nil
	case lex.Shr:
		return l >> uint(r), nil
	default:
		return 0, errors.New("not a constant op: %v", op)
	}
}

func (s *state) constFloat(x ast.Expr) (float64, error) {
	switch x := x.(type) {
	case ast.FloatLitExpr:
		return x.Value, nil
	case ast.IntLit:
		return float64(x.Value), nil
	case *ast.Unary:
		v, err := s.constFloat(x.X)
		if err != nil {
			return 0, err
		}

		if x.Op == lex.Minus {
			return -v, nil
		}

		return v, nil
	case *ast.Cast:
		return s.constFloat(x.X)
	default:
		return 0, errors.New("global float initializer is not constant: %T", x)
	}
}

// constAddr recognizes address constants: &global, a function
// name, a global array name, a string literal.
func (s *state) constAddr(x ast.Expr) (string, bool) {
	switch x := x.(type) {
	case ast.StrLit:
		return s.p.InternString(x.Value), true
	case ast.Var:
		for _, f := range s.prog.Funcs {
			if f.Name == x.Name {
				return x.Name, true
			}
		}

		for _, g := range s.prog.Globals {
			if g.Name != x.Name {
				continue
			}

			if tp.IsArray(g.Type) {
				return x.Name, true
			}

			return "", false
		}

		if _, ok := s.prog.Prototypes[x.Name]; ok {
			return x.Name, true
		}

		return "", false
	case *ast.Unary:
		if x.Op != lex.Amp {
			return "", false
		}

		if v, ok := x.X.(ast.Var); ok {
			for _, g := range s.prog.Globals {
				if g.Name == v.Name {
					return v.Name, true
				}
			}
		}

		return "", false
	default:
		return "", false
	}
}
