package parse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/tp"
)

func parseSrc(t *testing.T, src string) *ast.Program {
	t.Helper()

	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(src))
	require.NoError(t, err)

	p, err := Parse(ctx, toks)
	require.NoError(t, err)

	return p
}

func mainBody(t *testing.T, p *ast.Program) []ast.Stmt {
	t.Helper()

	for _, f := range p.Funcs {
		if f.Name == "main" {
			return f.Body.Stmts
		}
	}

	t.Fatal("no main")

	return nil
}

func TestFunction(t *testing.T) {
	p := parseSrc(t, "int add(int a, int b) { return a + b; }")

	require.Len(t, p.Funcs, 1)

	f := p.Funcs[0]
	assert.Equal(t, "add", f.Name)
	assert.Equal(t, tp.MakeInt(32, true), f.Ret)
	require.Len(t, f.Params, 2)
	assert.Equal(t, "a", f.Params[0].Name)

	ret := f.Body.Stmts[0].(*ast.Return)
	bin := ret.X.(*ast.Binary)
	assert.Equal(t, lex.Plus, bin.Op)
}

// multiplication binds tighter than addition
func TestPrecedence(t *testing.T) {
	p := parseSrc(t, "int main() { return 1 + 2 * 3; }")

	ret := mainBody(t, p)[0].(*ast.Return)
	add := ret.X.(*ast.Binary)

	assert.Equal(t, lex.Plus, add.Op)

	mul := add.R.(*ast.Binary)
	assert.Equal(t, lex.Star, mul.Op)
}

func TestTypedefDisambiguation(t *testing.T) {
	p := parseSrc(t, `
typedef int myint;
int main() { myint x = 1; return x; }
`)

	d := mainBody(t, p)[0].(*ast.Decl)
	assert.Equal(t, "x", d.Name)
	assert.Equal(t, tp.Typedef{Name: "myint"}, d.Type)
}

func TestCastVsGroup(t *testing.T) {
	p := parseSrc(t, "int main() { int x = 1; return (int)x + (x); }")

	ret := mainBody(t, p)[1].(*ast.Return)
	add := ret.X.(*ast.Binary)

	_, isCast := add.L.(*ast.Cast)
	assert.True(t, isCast)

	_, isVar := add.R.(ast.Var)
	assert.True(t, isVar)
}

func TestSizeofForms(t *testing.T) {
	p := parseSrc(t, "int main() { int x = 0; return sizeof(int) + sizeof(x) + sizeof x; }")

	ret := mainBody(t, p)[1].(*ast.Return)
	outer := ret.X.(*ast.Binary)
	inner := outer.L.(*ast.Binary)

	_, isType := inner.L.(ast.SizeofType)
	assert.True(t, isType)

	_, isExpr := inner.R.(*ast.SizeofExpr)
	assert.True(t, isExpr)

	_, isExpr = outer.R.(*ast.SizeofExpr)
	assert.True(t, isExpr)
}

// a ?: b keeps a nil middle to be bound once at lowering
func TestTernaryEmptyMiddle(t *testing.T) {
	p := parseSrc(t, "int main() { int a = 2; return a ?: 5; }")

	ret := mainBody(t, p)[1].(*ast.Return)
	tern := ret.X.(*ast.Ternary)

	assert.Nil(t, tern.Then)
	assert.NotNil(t, tern.Else)
}

func TestDesignatedInit(t *testing.T) {
	p := parseSrc(t, `
struct P { int x, y; };
int main() { struct P p = {.x = 10, .y = 32}; return p.x + p.y; }
`)

	require.Contains(t, p.Defs.Structs, "P")
	require.Len(t, p.Defs.Structs["P"].Fields, 2)

	d := mainBody(t, p)[0].(*ast.Decl)
	l := d.Init.(*ast.InitList)

	require.Len(t, l.Items, 2)
	assert.Equal(t, "x", l.Items[0].Field)
	assert.Equal(t, "y", l.Items[1].Field)
}

func TestArraySizeFolding(t *testing.T) {
	p := parseSrc(t, "int a[3 * 4 + 1];")

	require.Len(t, p.Globals, 1)
	assert.Equal(t, tp.Array{X: tp.MakeInt(32, true), Len: 13}, p.Globals[0].Type)
}

func TestStaticAssert(t *testing.T) {
	parseSrc(t, `_Static_assert(sizeof(int) == 4, "lp64");`)

	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(`_Static_assert(1 == 2, "broken");`))
	require.NoError(t, err)

	_, err = Parse(ctx, toks)
	assert.Error(t, err)
}

func TestAttributes(t *testing.T) {
	p := parseSrc(t, `
struct __attribute__((packed)) P { char c; int x; };
int g __attribute__((aligned(16), section(".mydata")));
__attribute__((noreturn, weak)) void die(void) { for (;;); }
__attribute__((constructor)) void init(void) {}
`)

	assert.True(t, p.Defs.Structs["P"].Packed)

	require.Len(t, p.Globals, 1)
	assert.Equal(t, 16, p.Globals[0].Attrs.Aligned)
	assert.Equal(t, ".mydata", p.Globals[0].Attrs.Section)

	require.Len(t, p.Funcs, 2)
	assert.True(t, p.Funcs[0].Attrs.Noreturn)
	assert.True(t, p.Funcs[0].Attrs.Weak)
	assert.True(t, p.Funcs[1].Attrs.Constructor)
}

func TestUnknownAttributeSkipped(t *testing.T) {
	p := parseSrc(t, `int g __attribute__((bogus_thing(1, 2, "x")));`)

	require.Len(t, p.Globals, 1)
}

func TestEnum(t *testing.T) {
	p := parseSrc(t, "enum E { A, B = 10, C };")

	assert.Equal(t, int64(0), p.Defs.EnumConsts["A"])
	assert.Equal(t, int64(10), p.Defs.EnumConsts["B"])
	assert.Equal(t, int64(11), p.Defs.EnumConsts["C"])
	assert.Equal(t, []string{"A", "B", "C"}, p.EnumDecls)
}

func TestFunctionPointerDeclarator(t *testing.T) {
	p := parseSrc(t, "int (*handler)(int, int);")

	require.Len(t, p.Globals, 1)

	ptr, ok := p.Globals[0].Type.(tp.Ptr)
	require.True(t, ok)

	fn, ok := ptr.X.(tp.Func)
	require.True(t, ok)
	assert.Len(t, fn.In, 2)
}

func TestPrototypesRecorded(t *testing.T) {
	p := parseSrc(t, "int printf(const char *fmt, ...); struct Opaque;")

	require.Contains(t, p.Prototypes, "printf")
	assert.True(t, p.Prototypes["printf"].Variadic)
	assert.Contains(t, p.ForwardStructs, "Opaque")
}

func TestSwitchCases(t *testing.T) {
	p := parseSrc(t, `
int main() {
	int x = 2;
	switch (x) {
	case 1: return 10;
	case 2:
	case 3: return 20;
	default: return 30;
	}
}
`)

	sw := mainBody(t, p)[1].(*ast.Switch)

	require.Len(t, sw.Cases, 4)
	assert.Equal(t, int64(1), sw.Cases[0].Value)
	assert.Empty(t, sw.Cases[1].Body)
	assert.True(t, sw.Cases[3].Default)
}

func TestInlineAsm(t *testing.T) {
	p := parseSrc(t, `
int main() {
	int x = 1, y;
	asm volatile ("mov %0, %1" : "=r"(y) : "r"(x) : "memory");
	return y;
}
`)

	a := mainBody(t, p)[1].(*ast.AsmStmt)

	assert.True(t, a.Volatile)
	assert.Equal(t, "mov %0, %1", a.Template)
	require.Len(t, a.Outputs, 1)
	require.Len(t, a.Inputs, 1)
	assert.Equal(t, []string{"memory"}, a.Clobbers)
}

func TestStatementExpr(t *testing.T) {
	p := parseSrc(t, "int main() { return ({ int v = 40; v + 2; }); }")

	ret := mainBody(t, p)[0].(*ast.Return)
	_, ok := ret.X.(*ast.StmtExpr)
	assert.True(t, ok)
}

func TestGenericAndOffsetof(t *testing.T) {
	p := parseSrc(t, `
struct P { int x; long y; };
int main() {
	int v = 0;
	return _Generic(v, int: 1, long: 2, default: 3) + __builtin_offsetof(struct P, y);
}
`)

	ret := mainBody(t, p)[1].(*ast.Return)
	add := ret.X.(*ast.Binary)

	g := add.L.(*ast.GenericSel)
	assert.Len(t, g.Assoc, 2)
	assert.NotNil(t, g.Default)

	off := add.R.(ast.Offsetof)
	assert.Equal(t, "y", off.Field)
}

func TestMultiDecl(t *testing.T) {
	p := parseSrc(t, "int main() { int a = 5, b = 3; return a + b; }")

	md := mainBody(t, p)[0].(*ast.MultiDecl)
	require.Len(t, md.Decls, 2)
	assert.Equal(t, "a", md.Decls[0].Name)
	assert.Equal(t, "b", md.Decls[1].Name)
}
