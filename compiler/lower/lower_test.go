package lower

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/parse"
)

func lowerSrc(t *testing.T, src string) *ir.Program {
	t.Helper()

	p, err := tryLower(src)
	require.NoError(t, err)

	return p
}

func tryLower(src string) (*ir.Program, error) {
	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(src))
	if err != nil {
		return nil, err
	}

	x, err := parse.Parse(ctx, toks)
	if err != nil {
		return nil, err
	}

	return Lower(ctx, x)
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

func TestSimpleFunction(t *testing.T) {
	p := lowerSrc(t, "int main() { return 42; }")
	f := fn(t, p, "main")

	require.NotEmpty(t, f.Blocks)

	ret, ok := f.Blocks[0].Term.(ir.Ret)
	require.True(t, ok)
	assert.Equal(t, ir.Const(42), ret.Val)
}

// every block ends in exactly one terminator
func TestTerminators(t *testing.T) {
	p := lowerSrc(t, `
int f(int n) {
	if (n > 0) return 1;
	while (n < 10) n = n + 1;
	return n;
}
`)

	for _, f := range p.Funcs {
		for i, b := range f.Blocks {
			assert.NotNil(t, b.Term, "block %d of %v", i, f.Name)
		}
	}
}

// dead code after return is dropped by the nulled cursor
func TestDeadCodeAfterReturn(t *testing.T) {
	p := lowerSrc(t, `
int g;
int main() { return 1; g = 2; return 3; }
`)

	f := fn(t, p, "main")

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			_, isStore := x.(ir.Store)
			assert.False(t, isStore, "dead store survived")
		}
	}
}

// phis may only lead a block and carry one arg per predecessor
func TestLoopPhiPlacement(t *testing.T) {
	p := lowerSrc(t, `
int main() {
	int s = 0;
	for (int i = 0; i < 10; i++) s += i;
	return s;
}
`)

	f := fn(t, p, "main")
	preds := f.Preds()

	sawPhi := false

	for bi, b := range f.Blocks {
		lead := true

		for _, x := range b.Instrs {
			phi, ok := x.(ir.Phi)
			if !ok {
				lead = false
				continue
			}

			sawPhi = true

			assert.True(t, lead, "phi after non-phi in b%d", bi)
			assert.Len(t, phi.Args, len(preds[bi]), "phi arity in b%d", bi)
		}
	}

	assert.True(t, sawPhi, "loop with accumulation must produce a phi")
}

func TestPointerArithScaling(t *testing.T) {
	p := lowerSrc(t, `
int main() { int a[3]; int *q = a; return *(q + 2); }
`)

	f := fn(t, p, "main")

	found := false

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if gep, ok := x.(ir.GetElementPtr); ok && gep.Scale == 4 {
				found = true
			}
		}
	}

	assert.True(t, found, "p + n must scale by sizeof(*p)")
}

func TestPointerDifference(t *testing.T) {
	p := lowerSrc(t, `
int main() { int a[4]; int *x = a + 3; int *y = a; return x - y; }
`)

	f := fn(t, p, "main")

	foundDiv := false

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if bin, ok := x.(ir.Binary); ok && bin.Op == ir.Div && bin.R == ir.Operand(ir.Const(4)) {
				foundDiv = true
			}
		}
	}

	assert.True(t, foundDiv, "p - q must divide by the element size")
}

func TestStringInterning(t *testing.T) {
	p := lowerSrc(t, `
int puts(const char *s);
int main() { puts("hi"); puts("hi"); puts("other"); return 0; }
`)

	assert.Len(t, p.StringOrder, 2)
	assert.Contains(t, p.Strings, "hi")
	assert.Contains(t, p.Strings, "other")
}

// sizeof, alignof, offsetof and _Generic fold during lowering
func TestCompileTimeFolds(t *testing.T) {
	p := lowerSrc(t, `
struct P { char c; long y; };
int main() {
	return sizeof(struct P) + _Alignof(long) + __builtin_offsetof(struct P, y)
		+ _Generic(1, int: 10, default: 20);
}
`)

	f := fn(t, p, "main")

	// everything folds to constants: no calls, no geps
	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			switch x.(type) {
			case ir.Call, ir.GetElementPtr:
				t.Fatalf("unexpected %T, folds should be constant", x)
			}
		}
	}
}

func TestBuiltinFolds(t *testing.T) {
	p := lowerSrc(t, `
int main() { return __builtin_clz(1) + __builtin_ctz(8) + __builtin_popcount(7); }
`)

	f := fn(t, p, "main")

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			_, isCall := x.(ir.Call)
			assert.False(t, isCall, "constant builtins must fold")
		}
	}
}

func TestBuiltinNonConstStaysIntrinsic(t *testing.T) {
	p := lowerSrc(t, "int main(int argc, char **argv) { return __builtin_popcount(argc); }")

	f := fn(t, p, "main")

	found := false

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if c, ok := x.(ir.Call); ok && c.Name == "__builtin_popcount" {
				found = true
			}
		}
	}

	assert.True(t, found)
}

func TestUnreachableBuiltin(t *testing.T) {
	p := lowerSrc(t, `
int main(int argc, char **argv) {
	if (argc > 0) return 1;
	__builtin_unreachable();
}
`)

	f := fn(t, p, "main")

	found := false

	for _, b := range f.Blocks {
		if _, ok := b.Term.(ir.Unreachable); ok {
			found = true
		}
	}

	assert.True(t, found)
}

func TestGotoUndeclaredLabel(t *testing.T) {
	_, err := tryLower("int main() { goto nowhere; return 0; }")
	assert.ErrorContains(t, err, "label")
}

func TestGotoAndLabel(t *testing.T) {
	p := lowerSrc(t, `
int main() {
	int x = 0;
	goto skip;
	x = 99;
skip:
	return x;
}
`)

	fn(t, p, "main")
}

func TestSwitchCondBrChain(t *testing.T) {
	p := lowerSrc(t, `
int main(int argc, char **argv) {
	switch (argc) {
	case 1: return 10;
	case 2: return 20;
	default: return 30;
	}
}
`)

	f := fn(t, p, "main")

	condbrs := 0

	for _, b := range f.Blocks {
		if _, ok := b.Term.(ir.CondBr); ok {
			condbrs++
		}
	}

	assert.GreaterOrEqual(t, condbrs, 2, "one comparison per case constant")
}

func TestStaticLocalBecomesGlobal(t *testing.T) {
	p := lowerSrc(t, `
int counter(void) { static int n = 5; n++; return n; }
int main() { return counter(); }
`)

	found := false

	for _, g := range p.Globals {
		if len(g.Data) == 1 && g.Data[0].Value == 5 {
			found = true
		}
	}

	assert.True(t, found, "static local must lower to a named global")
}

func TestVolatileFlag(t *testing.T) {
	p := lowerSrc(t, `
int main() { volatile int v = 1; v = 2; return v; }
`)

	f := fn(t, p, "main")

	stores, loads := 0, 0

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			switch x := x.(type) {
			case ir.Store:
				if x.Volatile {
					stores++
				}
			case ir.Load:
				if x.Volatile {
					loads++
				}
			}
		}
	}

	assert.Equal(t, 2, stores)
	assert.Equal(t, 1, loads)
}

func TestCommaAndShortCircuit(t *testing.T) {
	p := lowerSrc(t, `
int g;
int side(void) { g++; return 1; }
int main() { int x = (side(), 2); return x && side(); }
`)

	fn(t, p, "main")
}
