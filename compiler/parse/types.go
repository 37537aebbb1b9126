package parse

import (
	"tlog.app/go/errors"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/tp"
)

type (
	declSpec struct {
		static  bool
		extern  bool
		inline  bool
		typedef bool

		attrs ast.Attrs
	}

	// funcDeclarator marks a declarator that ended in a
	// parameter list. The caller decides whether it is a
	// definition, a prototype or a function pointer target.
	funcDeclarator struct {
		ret      tp.Type
		params   []ast.Param
		variadic bool
	}
)

// isTypeStart classifies the current token as the start of a
// type name: a type keyword, a qualifier, a tag, typeof, or a
// member of the typedef set.
func (s *state) isTypeStart() bool {
	switch s.k() {
	case lex.KwVoid, lex.KwChar, lex.KwShort, lex.KwInt, lex.KwLong,
		lex.KwFloat, lex.KwDouble, lex.KwSigned, lex.KwUnsigned, lex.KwBool,
		lex.KwStruct, lex.KwUnion, lex.KwEnum, lex.KwTypeof,
		lex.KwConst, lex.KwVolatile, lex.KwRestrict:
		return true
	case lex.Ident:
		_, ok := s.typedefs[s.tok().Text]
		return ok
	}

	return false
}

// declSpecifiers parses storage classes, qualifiers, attributes
// and the base type.
func (s *state) declSpecifiers() (t tp.Type, spec declSpec, err error) {
	var q tp.Qual

	short, long := false, 0
	signed, unsigned := false, false
	var base tp.Type

	for {
		switch s.k() {
		case lex.KwStatic:
			spec.static = true
			s.i++
		case lex.KwExtern:
			spec.extern = true
			s.i++
		case lex.KwTypedef:
			spec.typedef = true
			s.i++
		case lex.KwAuto, lex.KwRegister, lex.KwCallconv, lex.KwExtension:
			s.i++
		case lex.KwInline, lex.KwNoreturn:
			spec.inline = true
			s.i++
		case lex.KwConst:
			q.Const = true
			s.i++
		case lex.KwVolatile:
			q.Volatile = true
			s.i++
		case lex.KwRestrict:
			q.Restrict = true
			s.i++
		case lex.KwAttribute:
			s.attributes(&spec.attrs)
		case lex.KwAlignas:
			s.i++

			if err = s.expect(lex.LParen); err != nil {
				return nil, spec, err
			}

			s.skipBalanced(1)
		case lex.KwVoid:
			base = tp.Void{}
			s.i++
		case lex.KwBool:
			base = tp.Int{Bits: 8, Signed: false}
			s.i++
		case lex.KwChar:
			base = tp.Int{Bits: 8, Signed: true}
			s.i++
		case lex.KwShort:
			short = true
			s.i++
		case lex.KwInt:
			if base == nil {
				base = tp.MakeInt(32, true)
			}
			s.i++
		case lex.KwLong:
			long++
			s.i++
		case lex.KwSigned:
			signed = true
			s.i++
		case lex.KwUnsigned:
			unsigned = true
			s.i++
		case lex.KwFloat:
			base = tp.Float{Bits: 32}
			s.i++
		case lex.KwDouble:
			base = tp.Float{Bits: 64}
			s.i++
		case lex.KwStruct, lex.KwUnion, lex.KwEnum:
			base, err = s.tagType()
			if err != nil {
				return nil, spec, err
			}
		case lex.KwTypeof:
			base, err = s.typeofType()
			if err != nil {
				return nil, spec, err
			}
		case lex.Ident:
			name := s.tok().Text

			_, isTypedef := s.typedefs[name]
			if base != nil || short || long > 0 || signed || unsigned || !isTypedef {
				goto done
			}

			base = tp.Typedef{Name: name}
			s.i++
		default:
			goto done
		}
	}

done:
	if base == nil && !short && long == 0 && !signed && !unsigned {
		return nil, spec, errors.New("expected type, got %v", s.tok())
	}

	if _, isFloat := base.(tp.Float); isFloat {
		// long double is out of scope, treated as double
		long = 0
	}

	switch {
	case short:
		base = tp.MakeInt(16, !unsigned)
	case long > 0:
		base = tp.MakeInt(64, !unsigned)
	case base == nil:
		base = tp.MakeInt(32, !unsigned)
	default:
		if x, ok := base.(tp.Int); ok && (signed || unsigned) {
			x.Signed = !unsigned
			base = x
		}
	}

	if q != (tp.Qual{}) {
		base = tp.Qualified{Qual: q, X: base}
	}

	return base, spec, nil
}

// tagType parses struct/union/enum references, definitions and
// forward declarations, registering definitions in Defs.
func (s *state) tagType() (tp.Type, error) {
	kw := s.k()
	s.i++

	var attrs ast.Attrs
	s.attributes(&attrs)

	name := ""

	if s.k() == lex.Ident {
		name = s.tok().Text
		s.i++
	}

	if kw == lex.KwEnum {
		return s.enumTag(name)
	}

	if s.k() != lex.LBrace {
		if name == "" {
			return nil, errors.New("anonymous struct without a body")
		}

		if _, ok := s.prog.Defs.Structs[name]; !ok {
			if _, ok := s.prog.Defs.Unions[name]; !ok {
				s.prog.ForwardStructs[name] = struct{}{}
			}
		}

		if kw == lex.KwUnion {
			return tp.Union{Name: name}, nil
		}

		return tp.Struct{Name: name}, nil
	}

	if name == "" {
		name = s.anonName()
	}

	s.i++ // {

	sd := &tp.StructDef{
		Name:  name,
		Union: kw == lex.KwUnion,
	}

	for s.k() != lex.RBrace && s.k() != eof {
		if s.k() == lex.KwStaticAssert {
			if err := s.staticAssert(); err != nil {
				return nil, err
			}

			continue
		}

		base, _, err := s.declSpecifiers()
		if err != nil {
			return nil, errors.Wrap(err, "field of %v", name)
		}

		for {
			ft, fname, err := s.declarator(base)
			if err != nil {
				return nil, errors.Wrap(err, "field declarator")
			}

			var fattrs ast.Attrs
			s.attributes(&fattrs)

			// bit-field widths are parsed and dropped
			if s.eat(lex.Colon) {
				if _, err := s.conditionalExpr(); err != nil {
					return nil, errors.Wrap(err, "bit field")
				}
			}

			if fd, ok := ft.(funcDeclarator); ok {
				ft = tp.Ptr{X: fd.Type()}
			}

			sd.Fields = append(sd.Fields, tp.Field{
				Name:    fname,
				Type:    ft,
				Aligned: fattrs.Aligned,
			})

			if s.eat(lex.Comma) {
				continue
			}

			break
		}

		if err := s.expect(lex.Semi); err != nil {
			return nil, err
		}
	}

	if err := s.expect(lex.RBrace); err != nil {
		return nil, err
	}

	s.attributes(&attrs)

	sd.Packed = attrs.Packed

	if attrs.Aligned > 0 && len(sd.Fields) > 0 {
		sd.Fields[0].Aligned = attrs.Aligned
	}

	delete(s.prog.ForwardStructs, name)

	if sd.Union {
		s.prog.Defs.Unions[name] = sd
		return tp.Union{Name: name}, nil
	}

	s.prog.Defs.Structs[name] = sd

	return tp.Struct{Name: name}, nil
}

func (s *state) enumTag(name string) (tp.Type, error) {
	if s.k() != lex.LBrace {
		if name == "" {
			return nil, errors.New("anonymous enum without a body")
		}

		return tp.Enum{Name: name}, nil
	}

	if name == "" {
		name = s.anonName()
	}

	s.i++ // {

	consts := map[string]int64{}
	next := int64(0)

	for s.k() != lex.RBrace && s.k() != eof {
		cname, err := s.ident()
		if err != nil {
			return nil, errors.Wrap(err, "enum constant")
		}

		if s.eat(lex.Assign) {
			x, err := s.conditionalExpr()
			if err != nil {
				return nil, errors.Wrap(err, "enum value")
			}

			next, err = s.evalConst(x)
			if err != nil {
				return nil, errors.Wrap(err, "enum value of %v", cname)
			}
		}

		consts[cname] = next
		s.prog.Defs.EnumConsts[cname] = next
		s.prog.EnumDecls = append(s.prog.EnumDecls, cname)
		next++

		if !s.eat(lex.Comma) {
			break
		}
	}

	if err := s.expect(lex.RBrace); err != nil {
		return nil, err
	}

	s.prog.Defs.Enums[name] = consts

	return tp.Enum{Name: name}, nil
}

func (s *state) typeofType() (tp.Type, error) {
	s.i++ // typeof

	if err := s.expect(lex.LParen); err != nil {
		return nil, err
	}

	if s.isTypeStart() {
		t, err := s.typeName()
		if err != nil {
			return nil, errors.Wrap(err, "typeof")
		}

		return t, s.expect(lex.RParen)
	}

	x, err := s.expr()
	if err != nil {
		return nil, errors.Wrap(err, "typeof expr")
	}

	return tp.Typeof{Expr: x}, s.expect(lex.RParen)
}

// declarator parses pointers, the name (possibly parenthesized)
// and array/function suffixes. An abstract declarator returns an
// empty name.
func (s *state) declarator(base tp.Type) (tp.Type, string, error) {
	for s.eat(lex.Star) {
		var q tp.Qual

		for {
			switch s.k() {
			case lex.KwConst:
				q.Const = true
				s.i++
			case lex.KwVolatile:
				q.Volatile = true
				s.i++
			case lex.KwRestrict:
				q.Restrict = true
				s.i++
			default:
				goto wrapped
			}
		}

	wrapped:
		var x tp.Type

		if fd, ok := base.(funcDeclarator); ok {
			x = fd.Type()
		} else {
			x = base
		}

		base = tp.Ptr{X: x}

		if q != (tp.Qual{}) {
			base = tp.Qualified{Qual: q, X: base}
		}
	}

	// parenthesized declarator: scan past it, apply the suffix
	// to the base, then re-parse the inner part against that.
	if s.k() == lex.LParen && (s.kAt(1) == lex.Star || s.kAt(1) == lex.LParen ||
		s.kAt(1) == lex.Ident && !s.isTypedefName(s.kAt1Text())) {
		s.i++ // (
		inner := s.i

		s.skipBalanced(1)

		t, err := s.typeSuffix(base)
		if err != nil {
			return nil, "", err
		}

		after := s.i
		s.i = inner

		t, name, err := s.declarator(t)
		if err != nil {
			return nil, "", err
		}

		if s.k() != lex.RParen {
			return nil, "", errors.New("expected ), got %v", s.tok())
		}

		s.i = after

		return t, name, nil
	}

	name := ""

	if s.k() == lex.Ident {
		name = s.tok().Text
		s.i++
	}

	t, err := s.typeSuffix(base)

	return t, name, err
}

func (s *state) kAt1Text() string {
	if s.i+1 < len(s.toks) {
		return s.toks[s.i+1].Text
	}

	return ""
}

func (s *state) isTypedefName(name string) bool {
	_, ok := s.typedefs[name]
	return ok
}

// typeSuffix applies array dimensions and parameter lists.
func (s *state) typeSuffix(base tp.Type) (tp.Type, error) {
	switch {
	case s.eat(lex.LBrack):
		n := 0

		if s.k() != lex.RBrack {
			x, err := s.conditionalExpr()
			if err != nil {
				return nil, errors.Wrap(err, "array size")
			}

			v, err := s.evalConst(x)
			if err != nil {
				return nil, errors.Wrap(err, "array size")
			}

			n = int(v)
		}

		if err := s.expect(lex.RBrack); err != nil {
			return nil, err
		}

		inner, err := s.typeSuffix(base)
		if err != nil {
			return nil, err
		}

		return tp.Array{X: inner, Len: n}, nil
	case s.eat(lex.LParen):
		return s.paramList(base)
	}

	return base, nil
}

func (s *state) paramList(ret tp.Type) (tp.Type, error) {
	fd := funcDeclarator{ret: ret}

	if fd2, ok := ret.(funcDeclarator); ok {
		fd.ret = fd2.Type()
	}

	if s.eat(lex.RParen) {
		return fd, nil
	}

	if s.k() == lex.KwVoid && s.kAt(1) == lex.RParen {
		s.i += 2
		return fd, nil
	}

	for {
		if s.eat(lex.Ellipsis) {
			fd.variadic = true
			break
		}

		base, _, err := s.declSpecifiers()
		if err != nil {
			return nil, errors.Wrap(err, "param")
		}

		t, name, err := s.declarator(base)
		if err != nil {
			return nil, errors.Wrap(err, "param declarator")
		}

		// arrays decay to pointers, functions to function pointers
		switch x := tp.Unqual(t).(type) {
		case tp.Array:
			t = tp.Ptr{X: x.X}
		case funcDeclarator:
			t = tp.Ptr{X: x.Type()}
		}

		fd.params = append(fd.params, ast.Param{Name: name, Type: t})

		if !s.eat(lex.Comma) {
			break
		}
	}

	return fd, s.expect(lex.RParen)
}

// typeName parses a full type name for casts, sizeof and
// compound literals: specifiers plus an abstract declarator.
func (s *state) typeName() (tp.Type, error) {
	base, _, err := s.declSpecifiers()
	if err != nil {
		return nil, err
	}

	t, name, err := s.declarator(base)
	if err != nil {
		return nil, err
	}

	if name != "" {
		return nil, errors.New("unexpected name %v in type name", name)
	}

	if fd, ok := t.(funcDeclarator); ok {
		t = fd.Type()
	}

	return t, nil
}

// attributes parses zero or more __attribute__((...)) groups.
// Unknown attributes are skipped silently.
func (s *state) attributes(attrs *ast.Attrs) {
	for s.k() == lex.KwAttribute {
		s.i++

		if !s.eat(lex.LParen) || !s.eat(lex.LParen) {
			return
		}

		for s.k() != lex.RParen && s.k() != eof {
			if s.k() != lex.Ident && !s.k().IsKeyword() {
				s.i++
				continue
			}

			name := s.tok().Text

			if s.k() == lex.KwConst {
				name = "const"
			}

			s.i++

			switch name {
			case "packed", "__packed__":
				attrs.Packed = true
			case "aligned", "__aligned__":
				if s.eat(lex.LParen) {
					if s.k() == lex.Integer {
						attrs.Aligned = int(s.tok().Int)
						s.i++
					}

					s.skipBalanced(1)
				}
			case "section", "__section__":
				if s.eat(lex.LParen) {
					if s.k() == lex.Str {
						attrs.Section = s.tok().Text
						s.i++
					}

					s.skipBalanced(1)
				}
			case "noreturn", "__noreturn__":
				attrs.Noreturn = true
			case "always_inline", "__always_inline__":
				attrs.Inline = true
			case "weak", "__weak__":
				attrs.Weak = true
			case "unused", "__unused__":
				attrs.Unused = true
			case "constructor", "__constructor__":
				attrs.Constructor = true
			case "destructor", "__destructor__":
				attrs.Destructor = true
			default:
				if s.eat(lex.LParen) {
					s.skipBalanced(1)
				}
			}

			s.eat(lex.Comma)
		}

		s.eat(lex.RParen)
		s.eat(lex.RParen)
	}
}

// skipBalanced advances past nested parens, depth open already.
func (s *state) skipBalanced(depth int) {
	for depth > 0 && s.k() != eof {
		switch s.k() {
		case lex.LParen:
			depth++
		case lex.RParen:
			depth--
		}

		s.i++
	}
}

func (f funcDeclarator) Type() tp.Func {
	return tp.Func{
		Out:      f.ret,
		In:       paramTypes(f.params),
		Variadic: f.variadic,
	}
}
