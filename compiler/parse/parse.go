package parse

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	state struct {
		toks []lex.Token
		i    int

		prog *ast.Program

		// typedefs resolves the classic typedef-vs-identifier
		// ambiguity. Pre-seeded with __builtin_va_list.
		typedefs map[string]struct{}

		anon int
	}
)

const eof lex.Kind = -1

// Parse builds the typed AST from the flat token sequence.
func Parse(ctx context.Context, toks []lex.Token) (p *ast.Program, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "parse: build ast", "tokens", len(toks))
	defer tr.Finish("err", &err)

	s := &state{
		toks: toks,
		prog: &ast.Program{
			Defs:           tp.NewDefs(),
			Prototypes:     map[string]*ast.Prototype{},
			ForwardStructs: map[string]struct{}{},
		},
		typedefs: map[string]struct{}{
			"__builtin_va_list": {},
		},
	}

	// the System V va_list is a 24 byte structure; declaring one
	// reserves the space, uses decay to its address
	s.prog.Defs.Typedefs["__builtin_va_list"] = tp.Array{X: tp.MakeInt(8, true), Len: 24}

	for s.k() != eof {
		err = s.topLevel(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "at token %d", s.i)
		}
	}

	tr.Printw("parsed", "funcs", len(s.prog.Funcs), "globals", len(s.prog.Globals))

	return s.prog, nil
}

func (s *state) tok() lex.Token {
	if s.i >= len(s.toks) {
		return lex.Token{Kind: eof}
	}

	return s.toks[s.i]
}

func (s *state) k() lex.Kind {
	return s.tok().Kind
}

func (s *state) kAt(off int) lex.Kind {
	if s.i+off >= len(s.toks) {
		return eof
	}

	return s.toks[s.i+off].Kind
}

func (s *state) eat(k lex.Kind) bool {
	if s.k() != k {
		return false
	}

	s.i++

	return true
}

func (s *state) expect(k lex.Kind) error {
	if s.k() != k {
		return errors.New("expected %v, got %v", k, s.tok())
	}

	s.i++

	return nil
}

func (s *state) ident() (string, error) {
	if s.k() != lex.Ident {
		return "", errors.New("expected identifier, got %v", s.tok())
	}

	name := s.tok().Text
	s.i++

	return name, nil
}

func (s *state) anonName() string {
	s.anon++
	return "__anon" + itoa(s.anon)
}

func (s *state) topLevel(ctx context.Context) error {
	switch s.k() {
	case lex.Semi:
		s.i++
		return nil
	case lex.KwExtension:
		s.i++
		return s.topLevel(ctx)
	case lex.KwStaticAssert:
		return s.staticAssert()
	case lex.KwTypedef:
		return s.typedefDecl()
	}

	// bare struct/union/enum definitions and forward
	// declarations run through declSpecifiers too
	return s.declaration(ctx)
}

// staticAssert folds the condition at parse time.
func (s *state) staticAssert() error {
	s.i++ // _Static_assert

	if err := s.expect(lex.LParen); err != nil {
		return err
	}

	x, err := s.assignExpr()
	if err != nil {
		return errors.Wrap(err, "static assert expr")
	}

	v, err := s.evalConst(x)
	if err != nil {
		return errors.Wrap(err, "static assert")
	}

	msg := ""

	if s.eat(lex.Comma) {
		if s.k() != lex.Str {
			return errors.New("expected string, got %v", s.tok())
		}

		msg = s.tok().Text
		s.i++
	}

	if err := s.expect(lex.RParen); err != nil {
		return err
	}

	if err := s.expect(lex.Semi); err != nil {
		return err
	}

	if v == 0 {
		return errors.New("static assertion failed: %v", msg)
	}

	return nil
}

func (s *state) typedefDecl() error {
	s.i++ // typedef

	base, _, err := s.declSpecifiers()
	if err != nil {
		return errors.Wrap(err, "typedef")
	}

	for {
		typ, name, err := s.declarator(base)
		if err != nil {
			return errors.Wrap(err, "typedef declarator")
		}

		if name == "" {
			return errors.New("typedef without a name")
		}

		s.typedefs[name] = struct{}{}
		s.prog.Defs.Typedefs[name] = typ

		s.attributes(&ast.Attrs{})

		if s.eat(lex.Comma) {
			continue
		}

		return s.expect(lex.Semi)
	}
}

// declaration parses a function definition, a prototype, or one
// or more global variables.
func (s *state) declaration(ctx context.Context) error {
	base, spec, err := s.declSpecifiers()
	if err != nil {
		return errors.Wrap(err, "declaration")
	}

	if s.eat(lex.Semi) {
		return nil
	}

	typ, name, err := s.declarator(base)
	if err != nil {
		return errors.Wrap(err, "declarator")
	}

	attrs := spec.attrs
	s.attributes(&attrs)

	if fn, ok := typ.(funcDeclarator); ok {
		return s.funcTail(ctx, fn, name, spec, attrs)
	}

	for {
		g := &ast.Global{
			Name:   name,
			Type:   typ,
			Static: spec.static,
			Extern: spec.extern,
			Attrs:  attrs,
		}

		if s.eat(lex.Assign) {
			g.Init, err = s.initializer()
			if err != nil {
				return errors.Wrap(err, "global %v initializer", name)
			}
		}

		s.prog.Globals = append(s.prog.Globals, g)

		if s.eat(lex.Comma) {
			typ, name, err = s.declarator(base)
			if err != nil {
				return errors.Wrap(err, "declarator")
			}

			continue
		}

		return s.expect(lex.Semi)
	}
}

// funcTail finishes a function: either a prototype (header
// tolerance: recorded and skipped) or a full definition.
func (s *state) funcTail(ctx context.Context, fn funcDeclarator, name string, spec declSpec, attrs ast.Attrs) error {
	if s.eat(lex.Semi) {
		s.prog.Prototypes[name] = &ast.Prototype{
			Name:     name,
			Ret:      fn.ret,
			Params:   paramTypes(fn.params),
			Variadic: fn.variadic,
		}

		return nil
	}

	// asm renames and other unmodelable tails are skipped to
	// the body or the semicolon.
	for s.k() != lex.LBrace && s.k() != lex.Semi && s.k() != eof {
		s.i++
	}

	if s.eat(lex.Semi) {
		s.prog.Prototypes[name] = &ast.Prototype{
			Name:     name,
			Ret:      fn.ret,
			Params:   paramTypes(fn.params),
			Variadic: fn.variadic,
		}

		return nil
	}

	body, err := s.block()
	if err != nil {
		return errors.Wrap(err, "function %v", name)
	}

	f := &ast.Func{
		Name:     name,
		Ret:      fn.ret,
		Params:   fn.params,
		Variadic: fn.variadic,
		Body:     body,
		Static:   spec.static,
		Attrs:    attrs,
	}

	s.prog.Funcs = append(s.prog.Funcs, f)

	tlog.SpanFromContext(ctx).V("funcs").Printw("parsed function", "name", name, "params", len(f.Params))

	return nil
}

func paramTypes(params []ast.Param) []tp.Type {
	l := make([]tp.Type, len(params))

	for i, p := range params {
		l[i] = p.Type
	}

	return l
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}

	var b [20]byte
	i := len(b)

	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}

	return string(b[i:])
}
