package parse

import (
	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/lex"
)

// expr parses a full expression including the comma operator.
func (s *state) expr() (ast.Expr, error) {
	l, err := s.assignExpr()
	if err != nil {
		return nil, err
	}

	for s.eat(lex.Comma) {
		r, err := s.assignExpr()
		if err != nil {
			return nil, err
		}

		l = &ast.Comma{L: l, R: r}
	}

	return l, nil
}

func (s *state) assignExpr() (ast.Expr, error) {
	l, err := s.conditionalExpr()
	if err != nil {
		return nil, err
	}

	switch op := s.k(); op {
	case lex.Assign,
		lex.AddAssign, lex.SubAssign, lex.MulAssign, lex.DivAssign, lex.ModAssign,
		lex.AndAssign, lex.OrAssign, lex.XorAssign, lex.ShlAssign, lex.ShrAssign:
		s.i++

		r, err := s.assignExpr()
		if err != nil {
			return nil, err
		}

		return &ast.Assign{Op: op, L: l, R: r}, nil
	}

	return l, nil
}

func (s *state) conditionalExpr() (ast.Expr, error) {
	cond, err := s.binaryExpr(0)
	if err != nil {
		return nil, err
	}

	if !s.eat(lex.Question) {
		return cond, nil
	}

	// GNU a ?: b evaluates a once
	if s.eat(lex.Colon) {
		els, err := s.assignExpr()
		if err != nil {
			return nil, err
		}

		return &ast.Ternary{Cond: cond, Else: els}, nil
	}

	then, err := s.expr()
	if err != nil {
		return nil, err
	}

	if err := s.expect(lex.Colon); err != nil {
		return nil, err
	}

	els, err := s.conditionalExpr()
	if err != nil {
		return nil, err
	}

	return &ast.Ternary{Cond: cond, Then: then, Else: els}, nil
}

// binLevels orders binary operators from lowest precedence
// (logical or) to highest (multiplicative).
var binLevels = [][]lex.Kind{
	{lex.OrOr},
	{lex.AndAnd},
	{lex.Pipe},
	{lex.Caret},
	{lex.Amp},
	{lex.Eq, lex.Ne},
	{lex.Lt, lex.Gt, lex.Le, lex.Ge},
	{lex.Shl, lex.Shr},
	{lex.Plus, lex.Minus},
	{lex.Star, lex.Slash, lex.Percent},
}

func (s *state) binaryExpr(level int) (ast.Expr, error) {
	if level == len(binLevels) {
		return s.unaryExpr()
	}

	l, err := s.binaryExpr(level + 1)
	if err != nil {
		return nil, err
	}

	for {
		op := s.k()

		found := false

		for _, k := range binLevels[level] {
			if op == k {
				found = true
				break
			}
		}

		if !found {
			return l, nil
		}

		s.i++

		r, err := s.binaryExpr(level + 1)
		if err != nil {
			return nil, err
		}

		l = &ast.Binary{Op: op, L: l, R: r}
	}
}

func (s *state) unaryExpr() (ast.Expr, error) {
	switch s.k() {
	case lex.Plus, lex.Minus, lex.Tilde, lex.Bang, lex.Star, lex.Amp:
		op := s.k()
		s.i++

		x, err := s.unaryExpr()
		if err != nil {
			return nil, err
		}

		return &ast.Unary{Op: op, X: x}, nil
	case lex.Inc, lex.Dec:
		op := s.k()
		s.i++

		x, err := s.unaryExpr()
		if err != nil {
			return nil, err
		}

		return &ast.IncDec{Op: op, X: x}, nil
	case lex.KwSizeof:
		s.i++

		if s.k() == lex.LParen && s.typeAfterLParen() {
			s.i++

			t, err := s.typeName()
			if err != nil {
				return nil, errors.Wrap(err, "sizeof")
			}

			return ast.SizeofType{Type: t}, s.expect(lex.RParen)
		}

		x, err := s.unaryExpr()
		if err != nil {
			return nil, errors.Wrap(err, "sizeof")
		}

		return &ast.SizeofExpr{X: x}, nil
	case lex.KwAlignof:
		s.i++

		if err := s.expect(lex.LParen); err != nil {
			return nil, err
		}

		t, err := s.typeName()
		if err != nil {
			return nil, errors.Wrap(err, "alignof")
		}

		return ast.AlignofType{Type: t}, s.expect(lex.RParen)
	case lex.KwExtension:
		s.i++
		return s.unaryExpr()
	case lex.LParen:
		if s.typeAfterLParen() {
			s.i++

			t, err := s.typeName()
			if err != nil {
				return nil, errors.Wrap(err, "cast type")
			}

			if err := s.expect(lex.RParen); err != nil {
				return nil, err
			}

			// ( TYPE ) { ... } is a compound literal
			if s.k() == lex.LBrace {
				init, err := s.initList()
				if err != nil {
					return nil, errors.Wrap(err, "compound literal")
				}

				return s.postfixTail(&ast.CompoundLit{Type: t, Init: init})
			}

			x, err := s.unaryExpr()
			if err != nil {
				return nil, errors.Wrap(err, "cast operand")
			}

			return &ast.Cast{Type: t, X: x}, nil
		}
	}

	return s.postfixExpr()
}

// typeAfterLParen classifies the token after ( as a type name.
func (s *state) typeAfterLParen() bool {
	if s.k() != lex.LParen {
		return false
	}

	save := s.i
	s.i++
	ok := s.isTypeStart()
	s.i = save

	return ok
}

func (s *state) postfixExpr() (ast.Expr, error) {
	x, err := s.primaryExpr()
	if err != nil {
		return nil, err
	}

	return s.postfixTail(x)
}

func (s *state) postfixTail(x ast.Expr) (ast.Expr, error) {
	for {
		switch {
		case s.eat(lex.LBrack):
			idx, err := s.expr()
			if err != nil {
				return nil, err
			}

			if err := s.expect(lex.RBrack); err != nil {
				return nil, err
			}

			x = &ast.Index{X: x, Index: idx}
		case s.eat(lex.Dot):
			f, err := s.ident()
			if err != nil {
				return nil, err
			}

			x = &ast.Member{X: x, Field: f}
		case s.eat(lex.Arrow):
			f, err := s.ident()
			if err != nil {
				return nil, err
			}

			x = &ast.Member{X: x, Field: f, Arrow: true}
		case s.k() == lex.LParen:
			args, err := s.callArgs()
			if err != nil {
				return nil, err
			}

			if v, ok := x.(ast.Var); ok {
				x = &ast.Call{Name: v.Name, Args: args}
			} else {
				x = &ast.IndirectCall{Fn: x, Args: args}
			}
		case s.k() == lex.Inc || s.k() == lex.Dec:
			op := s.k()
			s.i++

			x = &ast.IncDec{Op: op, Post: true, X: x}
		default:
			return x, nil
		}
	}
}

func (s *state) callArgs() ([]ast.Expr, error) {
	s.i++ // (

	var args []ast.Expr

	if s.eat(lex.RParen) {
		return args, nil
	}

	for {
		a, err := s.assignExpr()
		if err != nil {
			return nil, errors.Wrap(err, "call arg")
		}

		args = append(args, a)

		if !s.eat(lex.Comma) {
			break
		}
	}

	return args, s.expect(lex.RParen)
}

func (s *state) primaryExpr() (ast.Expr, error) {
	switch s.k() {
	case lex.Integer:
		t := s.tok()
		s.i++

		return ast.IntLit{Value: t.Int, Suffix: t.Suffix}, nil
	case lex.FloatLit:
		t := s.tok()
		s.i++

		return ast.FloatLitExpr{Value: t.Float}, nil
	case lex.Str:
		// adjacent string literals concatenate
		v := s.tok().Text
		s.i++

		for s.k() == lex.Str {
			v += s.tok().Text
			s.i++
		}

		return ast.StrLit{Value: v}, nil
	case lex.Ident:
		name := s.tok().Text

		if name == "__builtin_va_arg" && s.kAt(1) == lex.LParen {
			return s.vaArgExpr()
		}

		s.i++

		return ast.Var{Name: name}, nil
	case lex.KwGeneric:
		return s.genericSel()
	case lex.KwOffsetof:
		return s.offsetofExpr()
	case lex.LParen:
		// statement expression ({ ...; v; })
		if s.kAt(1) == lex.LBrace {
			s.i++

			b, err := s.block()
			if err != nil {
				return nil, errors.Wrap(err, "statement expr")
			}

			return &ast.StmtExpr{Block: b}, s.expect(lex.RParen)
		}

		s.i++

		x, err := s.expr()
		if err != nil {
			return nil, err
		}

		return x, s.expect(lex.RParen)
	}

	return nil, errors.New("unexpected token: %v", s.tok())
}

func (s *state) genericSel() (ast.Expr, error) {
	s.i++ // _Generic

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	ctrl, err := s.assignExpr()
	if err != nil {
		return nil, errors.Wrap(err, "generic control")
	}

	g := &ast.GenericSel{Ctrl: ctrl}

	for s.eat(lex.Comma) {
		if s.eat(lex.KwDefault) {
			if err := s.expect(lex.Colon); err != nil {
				return nil, err
			}

			g.Default, err = s.assignExpr()
			if err != nil {
				return nil, err
			}

			continue
		}

		t, err := s.typeName()
		if err != nil {
			return nil, errors.Wrap(err, "generic assoc type")
		}

		if err := s.expect(lex.Colon); err != nil {
			return nil, err
		}

		v, err := s.assignExpr()
		if err != nil {
			return nil, err
		}

		g.Assoc = append(g.Assoc, ast.GenericAssoc{Type: t, Value: v})
	}

	return g, s.expect(lex.RParen)
}

func (s *state) vaArgExpr() (ast.Expr, error) {
	s.i += 2 // __builtin_va_arg (

	list, err := s.assignExpr()
	if err != nil {
		return nil, errors.Wrap(err, "va_arg list")
	}

	if err := s.expect(lex.Comma); err != nil {
		return nil, err
	}

	t, err := s.typeName()
	if err != nil {
		return nil, errors.Wrap(err, "va_arg type")
	}

	return &ast.VaArgExpr{List: list, Type: t}, s.expect(lex.RParen)
}

func (s *state) offsetofExpr() (ast.Expr, error) {
	s.i++ // __builtin_offsetof

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	t, err := s.typeName()
	if err != nil {
		return nil, errors.Wrap(err, "offsetof type")
	}

	if err := s.expect(lex.Comma); err != nil {
		return nil, err
	}

	f, err := s.ident()
	if err != nil {
		return nil, err
	}

	return ast.Offsetof{Type: t, Field: f}, s.expect(lex.RParen)
}

// initializer parses either a single expression or a braced
// initializer list with optional designators.
func (s *state) initializer() (ast.Expr, error) {
	if s.k() == lex.LBrace {
		return s.initList()
	}

	return s.assignExpr()
}

func (s *state) initList() (*ast.InitList, error) {
	if err := s.expect(lex.LBrace); err != nil {
		return nil, err
	}

	l := &ast.InitList{}

	for s.k() != lex.RBrace && s.k() != eof {
		item := ast.InitItem{Index: -1}

		switch {
		case s.eat(lex.Dot):
			f, err := s.ident()
			if err != nil {
				return nil, errors.Wrap(err, "designator")
			}

			item.Field = f

			if err := s.expect(lex.Assign); err != nil {
				return nil, err
			}
		case s.eat(lex.LBrack):
			x, err := s.conditionalExpr()
			if err != nil {
				return nil, errors.Wrap(err, "index designator")
			}

			v, err := s.evalConst(x)
			if err != nil {
				return nil, errors.Wrap(err, "index designator")
			}

			item.Index = int(v)

			if err := s.expect(lex.RBrack); err != nil {
				return nil, err
			}

			if err := s.expect(lex.Assign); err != nil {
				return nil, err
			}
		}

		v, err := s.initializer()
		if err != nil {
			return nil, errors.Wrap(err, "initializer item")
		}

		item.Value = v
		l.Items = append(l.Items, item)

		if !s.eat(lex.Comma) {
			break
		}
	}

	return l, s.expect(lex.RBrace)
}

// evalConst folds constant expressions at parse time: integer
// literals, unary + - ~ !, binary arithmetic/bitwise/relational
// ops, sizeof(type), _Alignof(type) and the ternary.
func (s *state) evalConst(x ast.Expr) (int64, error) {
	switch x := x.(type) {
	case ast.IntLit:
		return x.Value, nil
	case ast.Var:
		if v, ok := s.prog.Defs.EnumConsts[x.Name]; ok {
			return v, nil
		}

		return 0, errors.New("not a constant: %v", x.Name)
	case *ast.Unary:
		v, err := s.evalConst(x.X)
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
			return b2i(v == 0), nil
		}

		return 0, errors.New("not a constant op: %v", x.Op)
	case *ast.Binary:
		l, err := s.evalConst(x.L)
		if err != nil {
			return 0, err
		}

		r, err := s.evalConst(x.R)
		if err != nil {
			return 0, err
		}

		switch x.Op {
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
		case lex.Eq:
			return b2i(l == r), nil
		case lex.Ne:
			return b2i(l != r), nil
		case lex.Lt:
			return b2i(l < r), nil
		case lex.Gt:
			return b2i(l > r), nil
		case lex.Le:
			return b2i(l <= r), nil
		case lex.Ge:
			return b2i(l >= r), nil
		case lex.AndAnd:
			return b2i(l != 0 && r != 0), nil
		case lex.OrOr:
			return b2i(l != 0 || r != 0), nil
		}

		return 0, errors.New("not a constant op: %v", x.Op)
	case *ast.Ternary:
		c, err := s.evalConst(x.Cond)
		if err != nil {
			return 0, err
		}

		if x.Then == nil {
			if c != 0 {
				return c, nil
			}

			return s.evalConst(x.Else)
		}

		if c != 0 {
			return s.evalConst(x.Then)
		}

		return s.evalConst(x.Else)
	case ast.SizeofType:
		v, err := s.prog.Defs.Sizeof(x.Type)
		return int64(v), err
	case ast.AlignofType:
		v, err := s.prog.Defs.Alignof(x.Type)
		return int64(v), err
	case ast.Offsetof:
		sd, err := s.prog.Defs.FindDef(x.Type)
		if err != nil {
			return 0, err
		}

		off, _, err := s.prog.Defs.Offsetof(sd, x.Field)

		return int64(off), err
	}

	return 0, errors.New("not a constant expression: %T", x)
}

func b2i(b bool) int64 {
	if b {
		return 1
	}

	return 0
}
