package analyze

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
		prog *ast.Program

		// scopes is a stack of lexical frames, innermost last.
		// Qualifiers ride along on the stored types.
		scopes []map[string]tp.Type

		inLoop   int
		inSwitch int
	}
)

// Analyze is a single fail-fast pass: name resolution, qualifier
// enforcement and control-flow validity. Type compatibility of
// operators and calls is not checked here.
func Analyze(ctx context.Context, p *ast.Program) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "analyze: check program")
	defer tr.Finish("err", &err)

	s := &state{
		prog: p,
	}

	err = s.checkDuplicates()
	if err != nil {
		return err
	}

	global := map[string]tp.Type{}

	for _, g := range p.Globals {
		global[g.Name] = g.Type
	}

	for name := range p.Defs.EnumConsts {
		global[name] = tp.MakeInt(32, true)
	}

	for _, f := range p.Funcs {
		fscope := make(map[string]tp.Type, len(global))

		for k, v := range global {
			fscope[k] = v
		}

		s.scopes = []map[string]tp.Type{fscope}

		params := map[string]tp.Type{}

		for _, par := range f.Params {
			params[par.Name] = par.Type
		}

		s.scopes = append(s.scopes, params)

		err = s.stmt(f.Body)
		if err != nil {
			return errors.Wrap(err, "function %v", f.Name)
		}
	}

	return nil
}

func (s *state) checkDuplicates() error {
	seen := map[string]struct{}{}

	for _, f := range s.prog.Funcs {
		if _, ok := seen[f.Name]; ok {
			return errors.New("duplicate function definition: %v", f.Name)
		}

		seen[f.Name] = struct{}{}
	}

	consts := map[string]struct{}{}

	for _, name := range s.prog.EnumDecls {
		if _, ok := consts[name]; ok {
			return errors.New("duplicate enum constant: %v", name)
		}

		consts[name] = struct{}{}
	}

	return nil
}

func (s *state) push() {
	s.scopes = append(s.scopes, map[string]tp.Type{})
}

func (s *state) pop() {
	s.scopes = s.scopes[:len(s.scopes)-1]
}

func (s *state) declare(name string, t tp.Type) {
	s.scopes[len(s.scopes)-1][name] = t
}

func (s *state) lookup(name string) (tp.Type, bool) {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if t, ok := s.scopes[i][name]; ok {
			return t, true
		}
	}

	return nil, false
}

func (s *state) stmt(x ast.Stmt) error {
	switch x := x.(type) {
	case nil:
		return nil
	case *ast.Block:
		s.push()
		defer s.pop()

		for _, st := range x.Stmts {
			if err := s.stmt(st); err != nil {
				return err
			}
		}

		return nil
	case *ast.Return:
		if x.X == nil {
			return nil
		}

		return s.expr(x.X)
	case *ast.If:
		if err := s.expr(x.Cond); err != nil {
			return err
		}

		if err := s.stmt(x.Then); err != nil {
			return err
		}

		return s.stmt(x.Else)
	case *ast.While:
		if err := s.expr(x.Cond); err != nil {
			return err
		}

		s.inLoop++
		defer func() { s.inLoop-- }()

		return s.stmt(x.Body)
	case *ast.DoWhile:
		s.inLoop++
		err := s.stmt(x.Body)
		s.inLoop--

		if err != nil {
			return err
		}

		return s.expr(x.Cond)
	case *ast.For:
		s.push()
		defer s.pop()

		if err := s.stmt(x.Init); err != nil {
			return err
		}

		if x.Cond != nil {
			if err := s.expr(x.Cond); err != nil {
				return err
			}
		}

		if x.Post != nil {
			if err := s.expr(x.Post); err != nil {
				return err
			}
		}

		s.inLoop++
		defer func() { s.inLoop-- }()

		return s.stmt(x.Body)
	case *ast.Switch:
		if err := s.expr(x.X); err != nil {
			return err
		}

		s.inSwitch++
		defer func() { s.inSwitch-- }()

		s.push()
		defer s.pop()

		for _, c := range x.Cases {
			for _, st := range c.Body {
				if err := s.stmt(st); err != nil {
					return err
				}
			}
		}

		return nil
	case ast.Break:
		if s.inLoop == 0 && s.inSwitch == 0 {
			return errors.New("break outside loop or switch")
		}

		return nil
	case ast.Continue:
		if s.inLoop == 0 {
			return errors.New("continue outside loop")
		}

		return nil
	case ast.Goto, ast.Label:
		// label resolution is deferred to lowering
		return nil
	case *ast.Decl:
		return s.decl(x)
	case *ast.MultiDecl:
		for _, d := range x.Decls {
			if err := s.decl(d); err != nil {
				return err
			}
		}

		return nil
	case *ast.AsmStmt:
		for _, op := range x.Outputs {
			if !isLvalue(op.X) {
				return errors.New("asm output operand is not an lvalue")
			}

			if err := s.expr(op.X); err != nil {
				return err
			}
		}

		for _, op := range x.Inputs {
			if err := s.expr(op.X); err != nil {
				return err
			}
		}

		return nil
	case *ast.ExprStmt:
		return s.expr(x.X)
	default:
		return errors.New("unsupported statement: %T", x)
	}
}

func (s *state) decl(d *ast.Decl) error {
	q := tp.QualOf(d.Type)

	if q.Restrict && !tp.IsPtr(d.Type) {
		return errors.New("restrict on non-pointer %v", d.Name)
	}

	s.declare(d.Name, d.Type)

	if d.Init != nil {
		return s.expr(d.Init)
	}

	return nil
}

func (s *state) expr(x ast.Expr) error {
	switch x := x.(type) {
	case ast.IntLit, ast.FloatLitExpr, ast.StrLit, ast.SizeofType, ast.AlignofType, ast.Offsetof:
		return nil
	case ast.Var:
		if _, ok := s.lookup(x.Name); !ok {
			if _, ok := s.prog.Prototypes[x.Name]; !ok {
				if !s.isFuncName(x.Name) {
					return errors.New("undeclared name: %v", x.Name)
				}
			}
		}

		return nil
	case *ast.Binary:
		if err := s.expr(x.L); err != nil {
			return err
		}

		return s.expr(x.R)
	case *ast.Unary:
		return s.expr(x.X)
	case *ast.Assign:
		if err := s.checkWritable(x.L); err != nil {
			return err
		}

		if err := s.expr(x.L); err != nil {
			return err
		}

		return s.expr(x.R)
	case *ast.IncDec:
		if err := s.checkWritable(x.X); err != nil {
			return err
		}

		return s.expr(x.X)
	case *ast.Index:
		if err := s.expr(x.X); err != nil {
			return err
		}

		return s.expr(x.Index)
	case *ast.Call:
		// direct calls to unknown names are permitted,
		// C implicit declarations
		for _, a := range x.Args {
			if err := s.expr(a); err != nil {
				return err
			}
		}

		return nil
	case *ast.IndirectCall:
		if err := s.expr(x.Fn); err != nil {
			return err
		}

		for _, a := range x.Args {
			if err := s.expr(a); err != nil {
				return err
			}
		}

		return nil
	case *ast.Cast:
		return s.expr(x.X)
	case *ast.Member:
		return s.expr(x.X)
	case *ast.SizeofExpr:
		return s.expr(x.X)
	case *ast.Ternary:
		if err := s.expr(x.Cond); err != nil {
			return err
		}

		if x.Then != nil {
			if err := s.expr(x.Then); err != nil {
				return err
			}
		}

		return s.expr(x.Else)
	case *ast.Comma:
		if err := s.expr(x.L); err != nil {
			return err
		}

		return s.expr(x.R)
	case *ast.CompoundLit:
		return s.expr(x.Init)
	case *ast.StmtExpr:
		return s.stmt(x.Block)
	case *ast.InitList:
		for _, it := range x.Items {
			if err := s.expr(it.Value); err != nil {
				return err
			}
		}

		return nil
	case *ast.VaArgExpr:
		return s.expr(x.List)
	case *ast.GenericSel:
		if err := s.expr(x.Ctrl); err != nil {
			return err
		}

		for _, a := range x.Assoc {
			if err := s.expr(a.Value); err != nil {
				return err
			}
		}

		if x.Default != nil {
			return s.expr(x.Default)
		}

		return nil
	default:
		return errors.New("unsupported expression: %T", x)
	}
}

func (s *state) isFuncName(name string) bool {
	for _, f := range s.prog.Funcs {
		if f.Name == name {
			return true
		}
	}

	return false
}

// checkWritable rejects writes and increments of const lvalues.
func (s *state) checkWritable(x ast.Expr) error {
	v, ok := x.(ast.Var)
	if !ok {
		return nil
	}

	t, ok := s.lookup(v.Name)
	if !ok {
		return nil
	}

	if tp.QualOf(t).Const {
		return errors.New("write to const %v", v.Name)
	}

	return nil
}

func isLvalue(x ast.Expr) bool {
	switch x := x.(type) {
	case ast.Var:
		return true
	case *ast.Index, *ast.Member:
		return true
	case *ast.Unary:
		return x.Op == lex.Star
	default:
		return false
	}
}
