package parse

import (
	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/lex"
)

func (s *state) block() (*ast.Block, error) {
	if err := s.expect(lex.LBrace); err != nil {
		return nil, err
	}

	b := &ast.Block{}

	for s.k() != lex.RBrace && s.k() != eof {
		st, err := s.statement()
		if err != nil {
			return nil, err
		}

		if st != nil {
			b.Stmts = append(b.Stmts, st)
		}
	}

	return b, s.expect(lex.RBrace)
}

func (s *state) statement() (ast.Stmt, error) {
	switch s.k() {
	case lex.Semi:
		s.i++
		return nil, nil
	case lex.LBrace:
		return s.block()
	case lex.KwReturn:
		s.i++

		if s.eat(lex.Semi) {
			return &ast.Return{}, nil
		}

		x, err := s.expr()
		if err != nil {
			return nil, errors.Wrap(err, "return")
		}

		return &ast.Return{X: x}, s.expect(lex.Semi)
	case lex.KwIf:
		return s.ifStmt()
	case lex.KwWhile:
		return s.whileStmt()
	case lex.KwDo:
		return s.doWhileStmt()
	case lex.KwFor:
		return s.forStmt()
	case lex.KwSwitch:
		return s.switchStmt()
	case lex.KwBreak:
		s.i++
		return ast.Break{}, s.expect(lex.Semi)
	case lex.KwContinue:
		s.i++
		return ast.Continue{}, s.expect(lex.Semi)
	case lex.KwGoto:
		s.i++

		name, err := s.ident()
		if err != nil {
			return nil, errors.Wrap(err, "goto")
		}

		return ast.Goto{Label: name}, s.expect(lex.Semi)
	case lex.KwAsm:
		return s.asmStmt()
	case lex.KwStaticAssert:
		return nil, s.staticAssert()
	case lex.KwExtension:
		s.i++
		return s.statement()
	case lex.KwTypedef:
		return nil, s.typedefDecl()
	case lex.Ident:
		if s.kAt(1) == lex.Colon {
			name := s.tok().Text
			s.i += 2

			return ast.Label{Name: name}, nil
		}
	}

	if s.isDeclStart() {
		return s.localDecl()
	}

	x, err := s.expr()
	if err != nil {
		return nil, err
	}

	return &ast.ExprStmt{X: x}, s.expect(lex.Semi)
}

func (s *state) isDeclStart() bool {
	switch s.k() {
	case lex.KwStatic, lex.KwExtern, lex.KwAuto, lex.KwRegister:
		return true
	}

	if !s.isTypeStart() {
		return false
	}

	// a typedef name followed by * could still be a multiply;
	// the typedef set decides in favor of a declaration, as C does
	return true
}

func (s *state) localDecl() (ast.Stmt, error) {
	base, spec, err := s.declSpecifiers()
	if err != nil {
		return nil, errors.Wrap(err, "declaration")
	}

	if s.eat(lex.Semi) {
		// a bare struct/union/enum definition
		return nil, nil
	}

	var decls []*ast.Decl

	for {
		typ, name, err := s.declarator(base)
		if err != nil {
			return nil, errors.Wrap(err, "declarator")
		}

		if fd, ok := typ.(funcDeclarator); ok {
			// a local prototype, header tolerance
			s.prog.Prototypes[name] = &ast.Prototype{
				Name:     name,
				Ret:      fd.ret,
				Params:   paramTypes(fd.params),
				Variadic: fd.variadic,
			}

			if s.eat(lex.Comma) {
				continue
			}

			if err := s.expect(lex.Semi); err != nil {
				return nil, err
			}

			break
		}

		d := &ast.Decl{
			Name:   name,
			Type:   typ,
			Static: spec.static,
			Extern: spec.extern,
		}

		s.attributes(&d.Attrs)

		if s.eat(lex.Assign) {
			d.Init, err = s.initializer()
			if err != nil {
				return nil, errors.Wrap(err, "init of %v", name)
			}
		}

		decls = append(decls, d)

		if s.eat(lex.Comma) {
			continue
		}

		if err := s.expect(lex.Semi); err != nil {
			return nil, err
		}

		break
	}

	switch len(decls) {
	case 0:
		return nil, nil
	case 1:
		return decls[0], nil
	default:
		return &ast.MultiDecl{Decls: decls}, nil
	}
}

func (s *state) ifStmt() (ast.Stmt, error) {
	s.i++ // if

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	cond, err := s.expr()
	if err != nil {
		return nil, errors.Wrap(err, "if cond")
	}

	if err := s.expect(lex.RParen); err != nil {
		return nil, err
	}

	then, err := s.statement()
	if err != nil {
		return nil, errors.Wrap(err, "then")
	}

	x := &ast.If{Cond: cond, Then: then}

	if s.eat(lex.KwElse) {
		x.Else, err = s.statement()
		if err != nil {
			return nil, errors.Wrap(err, "else")
		}
	}

	return x, nil
}

func (s *state) whileStmt() (ast.Stmt, error) {
	s.i++ // while

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	cond, err := s.expr()
	if err != nil {
		return nil, errors.Wrap(err, "while cond")
	}

	if err := s.expect(lex.RParen); err != nil {
		return nil, err
	}

	body, err := s.statement()
	if err != nil {
		return nil, errors.Wrap(err, "while body")
	}

	return &ast.While{Cond: cond, Body: body}, nil
}

func (s *state) doWhileStmt() (ast.Stmt, error) {
	s.i++ // do

	body, err := s.statement()
	if err != nil {
		return nil, errors.Wrap(err, "do body")
	}

	if err := s.expect(lex.KwWhile); err != nil {
		return nil, err
	}

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	cond, err := s.expr()
	if err != nil {
		return nil, errors.Wrap(err, "do cond")
	}

	if err := s.expect(lex.RParen); err != nil {
		return nil, err
	}

	return &ast.DoWhile{Body: body, Cond: cond}, s.expect(lex.Semi)
}

func (s *state) forStmt() (ast.Stmt, error) {
	s.i++ // for

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	f := &ast.For{}

	if !s.eat(lex.Semi) {
		if s.isDeclStart() {
			init, err := s.localDecl()
			if err != nil {
				return nil, errors.Wrap(err, "for init")
			}

			f.Init = init
		} else {
			x, err := s.expr()
			if err != nil {
				return nil, errors.Wrap(err, "for init")
			}

			f.Init = &ast.ExprStmt{X: x}

			if err := s.expect(lex.Semi); err != nil {
				return nil, err
			}
		}
	}

	if !s.eat(lex.Semi) {
		cond, err := s.expr()
		if err != nil {
			return nil, errors.Wrap(err, "for cond")
		}

		f.Cond = cond

		if err := s.expect(lex.Semi); err != nil {
			return nil, err
		}
	}

	if s.k() != lex.RParen {
		post, err := s.expr()
		if err != nil {
			return nil, errors.Wrap(err, "for post")
		}

		f.Post = post
	}

	if err := s.expect(lex.RParen); err != nil {
		return nil, err
	}

	body, err := s.statement()
	if err != nil {
		return nil, errors.Wrap(err, "for body")
	}

	f.Body = body

	return f, nil
}

func (s *state) switchStmt() (ast.Stmt, error) {
	s.i++ // switch

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	x, err := s.expr()
	if err != nil {
		return nil, errors.Wrap(err, "switch expr")
	}

	if err := s.expect(lex.RParen); err != nil {
		return nil, err
	}

	if err := s.expect(lex.LBrace); err != nil {
		return nil, err
	}

	sw := &ast.Switch{X: x}

	for s.k() != lex.RBrace && s.k() != eof {
		var c ast.SwitchCase

		switch {
		case s.eat(lex.KwCase):
			e, err := s.conditionalExpr()
			if err != nil {
				return nil, errors.Wrap(err, "case")
			}

			c.Value, err = s.evalConst(e)
			if err != nil {
				return nil, errors.Wrap(err, "case value")
			}
		case s.eat(lex.KwDefault):
			c.Default = true
		default:
			return nil, errors.New("expected case or default, got %v", s.tok())
		}

		if err := s.expect(lex.Colon); err != nil {
			return nil, err
		}

		for s.k() != lex.KwCase && s.k() != lex.KwDefault && s.k() != lex.RBrace && s.k() != eof {
			st, err := s.statement()
			if err != nil {
				return nil, errors.Wrap(err, "case body")
			}

			if st != nil {
				c.Body = append(c.Body, st)
			}
		}

		sw.Cases = append(sw.Cases, c)
	}

	return sw, s.expect(lex.RBrace)
}

// asmStmt parses GCC extended inline assembly with constraints
// and clobbers.
func (s *state) asmStmt() (ast.Stmt, error) {
	s.i++ // asm

	a := &ast.AsmStmt{}

	if s.eat(lex.KwVolatile) {
		a.Volatile = true
	}

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	if s.k() != lex.Str {
		return nil, errors.New("expected asm template, got %v", s.tok())
	}

	for s.k() == lex.Str {
		if a.Template != "" {
			a.Template += "\n"
		}

		a.Template += s.tok().Text
		s.i++
	}

	for part := 0; part < 3 && s.eat(lex.Colon); part++ {
		if part == 2 {
			// clobbers
			for s.k() == lex.Str {
				a.Clobbers = append(a.Clobbers, s.tok().Text)
				s.i++

				if !s.eat(lex.Comma) {
					break
				}
			}

			continue
		}

		for s.k() == lex.Str {
			op := ast.AsmOperand{Constraint: s.tok().Text}
			s.i++

			if err := s.expect(lex.LParen); err != nil {
				return nil, err
			}

			x, err := s.expr()
			if err != nil {
				return nil, errors.Wrap(err, "asm operand")
			}

			op.X = x

			if err := s.expect(lex.RParen); err != nil {
				return nil, err
			}

			if part == 0 {
				a.Outputs = append(a.Outputs, op)
			} else {
				a.Inputs = append(a.Inputs, op)
			}

			if !s.eat(lex.Comma) {
				break
			}
		}
	}

	if err := s.expect(lex.RParen); err != nil {
		return nil, err
	}

	return a, s.expect(lex.Semi)
}
