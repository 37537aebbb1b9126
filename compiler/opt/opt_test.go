package opt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/lower"
	"github.com/mcclang/mcc/src/compiler/parse"
	"github.com/mcclang/mcc/src/compiler/tp"
)

func lowerSrc(t *testing.T, src string) *ir.Program {
	t.Helper()

	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(src))
	require.NoError(t, err)

	x, err := parse.Parse(ctx, toks)
	require.NoError(t, err)

	p, err := lower.Lower(ctx, x)
	require.NoError(t, err)

	return p
}

func optimized(t *testing.T, src string) *ir.Program {
	t.Helper()

	p := lowerSrc(t, src)
	Optimize(context.Background(), p)

	return p
}

func fn(t *testing.T, p *ir.Program, name string) *ir.Func {
	t.Helper()

	for _, f := range p.Funcs {
		if f.Name == name {
			return f
		}
	}

	t.Fatalf("no function %v", name)

	return nil
}

// single binary helper: one instruction in one block
func binFunc(op ir.Op, l, r ir.Operand) *ir.Func {
	f := &ir.Func{
		Name:     "t",
		Ret:      tp.MakeInt(32, true),
		VarTypes: map[ir.VarID]tp.Type{},
	}

	b := f.NewBlock()
	dst := f.NewVar()

	f.Blocks[b].Instrs = append(f.Blocks[b].Instrs, ir.Binary{
		Dst: dst, Op: op, L: l, R: r, Width: 4, Signed: true,
	})
	f.Blocks[b].Term = ir.Ret{Val: ir.Var(dst)}

	return f
}

func onlyInstr(t *testing.T, f *ir.Func) any {
	t.Helper()

	require.Len(t, f.Blocks[0].Instrs, 1)

	return f.Blocks[0].Instrs[0]
}

// the identity table: each pattern collapses to a copy or constant
func TestAlgebraicIdentities(t *testing.T) {
	x := ir.Var(7)

	for _, c := range []struct {
		op   ir.Op
		l, r ir.Operand
		want ir.Operand
	}{
		{ir.Add, x, ir.Const(0), x},
		{ir.Add, ir.Const(0), x, x},
		{ir.Sub, x, ir.Const(0), x},
		{ir.Sub, x, x, ir.Const(0)},
		{ir.Mul, x, ir.Const(0), ir.Const(0)},
		{ir.Mul, ir.Const(0), x, ir.Const(0)},
		{ir.Mul, x, ir.Const(1), x},
		{ir.Mul, ir.Const(1), x, x},
		{ir.Div, x, ir.Const(1), x},
		{ir.Div, x, x, ir.Const(1)},
		{ir.Mod, x, ir.Const(1), ir.Const(0)},
		{ir.And, x, ir.Const(0), ir.Const(0)},
		{ir.And, x, ir.Const(-1), x},
		{ir.Or, x, ir.Const(0), x},
		{ir.Or, x, ir.Const(-1), ir.Const(-1)},
		{ir.Xor, x, ir.Const(0), x},
		{ir.Xor, x, x, ir.Const(0)},
		{ir.Shl, x, ir.Const(0), x},
		{ir.Shr, x, ir.Const(0), x},
		{ir.Eq, x, x, ir.Const(1)},
		{ir.Ne, x, x, ir.Const(0)},
		{ir.Le, x, x, ir.Const(1)},
		{ir.Lt, x, x, ir.Const(0)},
		{ir.Ge, x, x, ir.Const(1)},
		{ir.Gt, x, x, ir.Const(0)},
	} {
		f := binFunc(c.op, c.l, c.r)
		algebraic(f)

		cp, ok := onlyInstr(t, f).(ir.Copy)
		require.True(t, ok, "%v %v %v must simplify", c.op, c.l, c.r)
		assert.Equal(t, c.want, cp.Src, "%v %v %v", c.op, c.l, c.r)
	}
}

func TestAlgebraicConstOnLeftNormalized(t *testing.T) {
	f := binFunc(ir.Lt, ir.Const(3), ir.Var(7))
	algebraic(f)

	bin, ok := onlyInstr(t, f).(ir.Binary)
	require.True(t, ok)
	assert.Equal(t, ir.Gt, bin.Op)
	assert.Equal(t, ir.Operand(ir.Var(7)), bin.L)
	assert.Equal(t, ir.Operand(ir.Const(3)), bin.R)
}

// x * 2^k becomes x << k exactly when k < 63
func TestStrengthReduction(t *testing.T) {
	for _, c := range []struct {
		op     ir.Op
		r      int64
		wantOp ir.Op
		wantR  int64
	}{
		{ir.Mul, 8, ir.Shl, 3},
		{ir.Mul, 1 << 20, ir.Shl, 20},
		{ir.Div, 16, ir.Shr, 4},
		{ir.Mod, 32, ir.And, 31},
	} {
		f := binFunc(c.op, ir.Var(7), ir.Const(c.r))
		strength(f)

		bin, ok := onlyInstr(t, f).(ir.Binary)
		require.True(t, ok)
		assert.Equal(t, c.wantOp, bin.Op)
		assert.Equal(t, ir.Operand(ir.Const(c.wantR)), bin.R)
	}

	// not a power of two, and the commutative position
	f := binFunc(ir.Mul, ir.Var(7), ir.Const(6))
	strength(f)
	bin := onlyInstr(t, f).(ir.Binary)
	assert.Equal(t, ir.Mul, bin.Op)

	f = binFunc(ir.Mul, ir.Const(4), ir.Var(7))
	strength(f)
	bin = onlyInstr(t, f).(ir.Binary)
	assert.Equal(t, ir.Shl, bin.Op)
	assert.Equal(t, ir.Operand(ir.Var(7)), bin.L)

	// division is not commutative
	f = binFunc(ir.Div, ir.Const(16), ir.Var(7))
	strength(f)
	bin = onlyInstr(t, f).(ir.Binary)
	assert.Equal(t, ir.Div, bin.Op)
}

func TestCopyPropChains(t *testing.T) {
	f := &ir.Func{Name: "t", VarTypes: map[ir.VarID]tp.Type{}}
	b := f.NewBlock()

	v0, v1, v2, v3 := f.NewVar(), f.NewVar(), f.NewVar(), f.NewVar()

	f.Blocks[b].Instrs = []any{
		ir.Copy{Dst: v1, Src: ir.Var(v0)},
		ir.Copy{Dst: v2, Src: ir.Var(v1)},
		ir.Binary{Dst: v3, Op: ir.Add, L: ir.Var(v2), R: ir.Var(v1), Width: 4, Signed: true},
	}
	f.Blocks[b].Term = ir.Ret{Val: ir.Var(v3)}

	copyprop(f)

	require.Len(t, f.Blocks[b].Instrs, 1)

	bin := f.Blocks[b].Instrs[0].(ir.Binary)
	assert.Equal(t, ir.Operand(ir.Var(v0)), bin.L)
	assert.Equal(t, ir.Operand(ir.Var(v0)), bin.R)
}

func TestLoadForwarding(t *testing.T) {
	it := tp.Type(tp.MakeInt(32, true))

	f := &ir.Func{Name: "t", VarTypes: map[ir.VarID]tp.Type{}}
	b := f.NewBlock()

	addr, val, l1 := f.NewVar(), f.NewVar(), f.NewVar()

	f.Blocks[b].Instrs = []any{
		ir.Store{Addr: ir.Var(addr), Val: ir.Var(val), Type: it},
		ir.Load{Dst: l1, Addr: ir.Var(addr), Type: it},
	}
	f.Blocks[b].Term = ir.Ret{Val: ir.Var(l1)}

	loadForward(f)

	cp, ok := f.Blocks[b].Instrs[1].(ir.Copy)
	require.True(t, ok, "load after store must forward")
	assert.Equal(t, ir.Operand(ir.Var(val)), cp.Src)
}

// calls clear the tracking map
func TestLoadForwardingCallBarrier(t *testing.T) {
	it := tp.Type(tp.MakeInt(32, true))

	f := &ir.Func{Name: "t", VarTypes: map[ir.VarID]tp.Type{}}
	b := f.NewBlock()

	addr, val, l1 := f.NewVar(), f.NewVar(), f.NewVar()

	f.Blocks[b].Instrs = []any{
		ir.Store{Addr: ir.Var(addr), Val: ir.Var(val), Type: it},
		ir.Call{Void: true, Name: "external"},
		ir.Load{Dst: l1, Addr: ir.Var(addr), Type: it},
	}
	f.Blocks[b].Term = ir.Ret{Val: ir.Var(l1)}

	loadForward(f)

	_, isLoad := f.Blocks[b].Instrs[2].(ir.Load)
	assert.True(t, isLoad, "a call invalidates forwarding")
}

// volatile accesses never forward
func TestLoadForwardingVolatile(t *testing.T) {
	it := tp.Type(tp.MakeInt(32, true))

	f := &ir.Func{Name: "t", VarTypes: map[ir.VarID]tp.Type{}}
	b := f.NewBlock()

	addr, val, l1 := f.NewVar(), f.NewVar(), f.NewVar()

	f.Blocks[b].Instrs = []any{
		ir.Store{Addr: ir.Var(addr), Val: ir.Var(val), Type: it},
		ir.Load{Dst: l1, Addr: ir.Var(addr), Type: it, Volatile: true},
	}
	f.Blocks[b].Term = ir.Ret{Val: ir.Var(l1)}

	loadForward(f)

	_, isLoad := f.Blocks[b].Instrs[1].(ir.Load)
	assert.True(t, isLoad, "volatile load must not forward")
}

func TestCSE(t *testing.T) {
	f := &ir.Func{Name: "t", VarTypes: map[ir.VarID]tp.Type{}}
	b := f.NewBlock()

	x, y, d1, d2, d3 := f.NewVar(), f.NewVar(), f.NewVar(), f.NewVar(), f.NewVar()

	f.Blocks[b].Instrs = []any{
		ir.Binary{Dst: d1, Op: ir.Add, L: ir.Var(x), R: ir.Var(y), Width: 4, Signed: true},
		// commutative: operand order must not matter
		ir.Binary{Dst: d2, Op: ir.Add, L: ir.Var(y), R: ir.Var(x), Width: 4, Signed: true},
		ir.Binary{Dst: d3, Op: ir.Sub, L: ir.Var(x), R: ir.Var(y), Width: 4, Signed: true},
	}
	f.Blocks[b].Term = ir.Ret{Val: ir.Var(d2)}

	cse(f)

	cp, ok := f.Blocks[b].Instrs[1].(ir.Copy)
	require.True(t, ok)
	assert.Equal(t, ir.Operand(ir.Var(d1)), cp.Src)

	_, stillBin := f.Blocks[b].Instrs[2].(ir.Binary)
	assert.True(t, stillBin, "sub is not the same expression")
}

func TestConstantFoldingAndDCE(t *testing.T) {
	p := optimized(t, "int main() { int a = 5, b = 3; return (a | b) & ~(a & b); }")
	f := fn(t, p, "main")

	// everything folds to ret 6
	require.Len(t, f.Blocks[0].Instrs, 0)

	ret := f.Blocks[0].Term.(ir.Ret)
	assert.Equal(t, ir.Operand(ir.Const(6)), ret.Val)
}

func TestCondBrFolding(t *testing.T) {
	p := optimized(t, "int main() { if (1) return 4; return 5; }")
	f := fn(t, p, "main")

	for _, b := range f.Blocks {
		_, isCond := b.Term.(ir.CondBr)
		assert.False(t, isCond, "constant condition must fold")
	}
}

// after mem2reg every operand has a unique definition
func TestMem2RegVerifies(t *testing.T) {
	p := lowerSrc(t, `
int sum(int n) {
	int s = 0;
	int i = 0;
	while (i < n) { s = s + i; i = i + 1; }
	return s;
}
int main() { return sum(10); }
`)

	for _, f := range p.Funcs {
		mem2reg(f)
		ir.VerifySSA(f)
	}
}

func TestMem2RegPromotesParams(t *testing.T) {
	p := lowerSrc(t, "int id(int x) { return x; }")
	f := fn(t, p, "id")

	mem2reg(f)

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			switch x.(type) {
			case ir.Alloca, ir.Load, ir.Store:
				t.Fatalf("%T survived promotion", x)
			}
		}
	}
}

// address-taken allocas must not promote
func TestMem2RegSkipsAddressTaken(t *testing.T) {
	p := lowerSrc(t, `
void set(int *p) { *p = 7; }
int main() { int x = 0; set(&x); return x; }
`)

	f := fn(t, p, "main")
	mem2reg(f)

	found := false

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if _, ok := x.(ir.Alloca); ok {
				found = true
			}
		}
	}

	assert.True(t, found, "escaped alloca must stay")
}

func TestPhiRemoval(t *testing.T) {
	p := lowerSrc(t, `
int main() {
	int s = 0;
	for (int i = 0; i < 10; i++) s += i;
	return s;
}
`)

	f := fn(t, p, "main")

	mem2reg(f)
	phiRemove(f)
	ir.VerifyNoPhis(f)

	// the copies landed before the predecessors' terminators
	copies := 0

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if _, ok := x.(ir.Copy); ok {
				copies++
			}
		}
	}

	assert.Greater(t, copies, 0)
}

func TestCFGSimplifyMerges(t *testing.T) {
	p := optimized(t, `
int main() {
	int x = 0;
	x = x + 1;
	x = x + 2;
	return x;
}
`)

	f := fn(t, p, "main")

	live := 0

	for _, b := range f.Blocks {
		if _, dead := b.Term.(ir.Unreachable); !dead || len(b.Instrs) > 0 {
			live++
		}
	}

	assert.Equal(t, 1, live, "straight line code collapses to one block")
}

// running the optimizer twice yields identical IR the second time
func TestOptimizeIdempotent(t *testing.T) {
	src := `
int fib(int n) { if (n <= 1) return n; return fib(n - 1) + fib(n - 2); }
int main() {
	int s = 0;
	for (int i = 0; i < 10; i = i + 1) s = s + i * 2;
	return s + fib(5);
}
`

	p := lowerSrc(t, src)
	Optimize(context.Background(), p)

	first := map[string]string{}

	for _, f := range p.Funcs {
		first[f.Name] = f.Format()
	}

	Optimize(context.Background(), p)

	for _, f := range p.Funcs {
		assert.Equal(t, first[f.Name], f.Format(), "func %v changed on the second run", f.Name)
	}
}

func TestFullPipelineScenarios(t *testing.T) {
	for _, src := range []string{
		"int main() { int a = 5, b = 3; return (a | b) & ~(a & b); }",
		"struct P { int x, y; }; int main() { struct P p = {.x = 10, .y = 32}; return p.x + p.y; }",
		"int main() { int s = 0; for (int i = 0; i < 10; i++) s += i; return s; }",
		"int fib(int n) { if (n <= 1) return n; return fib(n - 1) + fib(n - 2); } int main() { return fib(10); }",
		"int main() { int a[3] = {1, 2, 3}; int *p = a; return *(p + 2); }",
		"int main() { union U { int i; char c; } u; u.i = 0x12345678; return u.c; }",
	} {
		p := lowerSrc(t, src)
		Optimize(context.Background(), p)

		for _, f := range p.Funcs {
			ir.VerifyNoPhis(f)

			for i, b := range f.Blocks {
				assert.NotNil(t, b.Term, "block %d of %v in %q", i, f.Name, src)
			}
		}
	}
}
