package back

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/lower"
	"github.com/mcclang/mcc/src/compiler/opt"
	"github.com/mcclang/mcc/src/compiler/parse"
)

func compileSrc(t *testing.T, src string) string {
	t.Helper()

	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(src))
	require.NoError(t, err)

	x, err := parse.Parse(ctx, toks)
	require.NoError(t, err)

	p, err := lower.Lower(ctx, x)
	require.NoError(t, err)

	opt.Optimize(ctx, p)

	b, err := CompileProgram(ctx, nil, p)
	require.NoError(t, err)

	return string(b)
}

func TestSmoke(t *testing.T) {
	asm := compileSrc(t, "int main() { return 42; }")

	assert.Contains(t, asm, ".intel_syntax noprefix")
	assert.Contains(t, asm, ".globl main")
	assert.Contains(t, asm, "main:")
	assert.Contains(t, asm, "mov rax, 42")
	assert.Contains(t, asm, "ret")
	assert.Contains(t, asm, ".note.GNU-stack")
}

// the end-to-end scenarios all select without errors and carry
// the structural markers a correct translation needs
func TestScenarios(t *testing.T) {
	for _, c := range []struct {
		name string
		src  string
	}{
		{"bitwise", "int main() { int a = 5, b = 3; return (a | b) & ~(a & b); }"},
		{"designated", "struct P { int x, y; }; int main() { struct P p = {.x = 10, .y = 32}; return p.x + p.y; }"},
		{"loop", "int main() { int s = 0; for (int i = 0; i < 10; i++) s += i; return s; }"},
		{"recursion", "int fib(int n) { if (n <= 1) return n; return fib(n - 1) + fib(n - 2); } int main() { return fib(10); }"},
		{"ptrarith", "int main() { int a[3] = {1, 2, 3}; int *p = a; return *(p + 2); }"},
		{"union", "int main() { union U { int i; char c; } u; u.i = 0x12345678; return u.c; }"},
	} {
		t.Run(c.name, func(t *testing.T) {
			asm := compileSrc(t, c.src)

			assert.Contains(t, asm, "main:")
			assert.Contains(t, asm, "ret")
		})
	}
}

func TestRecursionCallsItself(t *testing.T) {
	asm := compileSrc(t, "int fib(int n) { if (n <= 1) return n; return fib(n - 1) + fib(n - 2); } int main() { return fib(10); }")

	assert.Contains(t, asm, "call fib")
}

func TestGlobalsEmission(t *testing.T) {
	asm := compileSrc(t, `
int visible = 7;
static int hidden = 9;
int zeroed;
int main() { return visible + hidden + zeroed; }
`)

	assert.Contains(t, asm, ".data")
	assert.Contains(t, asm, ".globl visible")
	assert.Contains(t, asm, "visible:")
	assert.NotContains(t, asm, ".globl hidden")
	assert.Contains(t, asm, "hidden:")
	assert.Contains(t, asm, ".zero 4")

	// globals go through rip-relative addressing
	assert.Contains(t, asm, "[rip + visible]")
}

func TestStringPool(t *testing.T) {
	asm := compileSrc(t, `
int puts(const char *s);
int main() { puts("hello"); return 0; }
`)

	assert.Contains(t, asm, ".Lstr0:")
	assert.Contains(t, asm, `.asciz "hello"`)
	assert.Contains(t, asm, "[rip + .Lstr0]")
}

func TestFloatPool(t *testing.T) {
	asm := compileSrc(t, `
double half(double x) { return x / 2.0; }
int main() { return (int)half(8.0); }
`)

	assert.Contains(t, asm, ".LC0")
	assert.Contains(t, asm, "divsd")
	assert.Contains(t, asm, "cvttsd2si")
}

func TestWeakAndSections(t *testing.T) {
	asm := compileSrc(t, `
__attribute__((weak)) int fallback(void) { return 1; }
__attribute__((constructor)) void setup(void) {}
__attribute__((section(".custom"))) int tagged(void) { return 2; }
int main() { return fallback() + tagged(); }
`)

	assert.Contains(t, asm, ".weak fallback")
	assert.Contains(t, asm, ".init_array")
	assert.Contains(t, asm, ".section .custom")
}

func TestDivisionUsesIdiv(t *testing.T) {
	asm := compileSrc(t, "int div(int a, int b) { return a / b; } int main() { return div(10, 3); }")

	assert.Contains(t, asm, "cdq")
	assert.Contains(t, asm, "idiv")
}

func TestComparisonSetcc(t *testing.T) {
	asm := compileSrc(t, "int lt(int a, int b) { return a < b; } int main() { return lt(1, 2); }")

	assert.Contains(t, asm, "cmp")
	assert.Contains(t, asm, "setl")
}

func TestIndirectCallThroughR10(t *testing.T) {
	asm := compileSrc(t, `
int forty(void) { return 40; }
int main() { int (*f)(void) = forty; return f() + 2; }
`)

	assert.Contains(t, asm, "call r10")
}

func TestInlineAsmPassThrough(t *testing.T) {
	asm := compileSrc(t, `
int main() {
	int x = 1;
	asm volatile ("nop");
	return x;
}
`)

	assert.Contains(t, asm, "\tnop\n")
}

// interfering variables of one class never share a register
func TestAllocatorNoOverlap(t *testing.T) {
	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(`
int mix(int a, int b, int c, int d, int e, int f, int g, int h) {
	int s1 = a + b;
	int s2 = c + d;
	int s3 = e + f;
	int s4 = g + h;
	int s5 = s1 + s2;
	int s6 = s3 + s4;
	return s5 * s6 + s1 + s2 + s3 + s4;
}
int main() { return mix(1, 2, 3, 4, 5, 6, 7, 8); }
`))
	require.NoError(t, err)

	x, err := parse.Parse(ctx, toks)
	require.NoError(t, err)

	p, err := lower.Lower(ctx, x)
	require.NoError(t, err)

	opt.Optimize(ctx, p)

	for _, f := range p.Funcs {
		allocas := map[ir.VarID]bool{}

		for _, b := range f.Blocks {
			for _, in := range b.Instrs {
				if a, ok := in.(ir.Alloca); ok {
					allocas[a.Dst] = true
				}
			}
		}

		locs, _ := allocate(f, HostABI(), allocas)
		ivs, _ := liveIntervals(f, allocas)

		for v1, i1 := range ivs {
			for v2, i2 := range ivs {
				if v1 >= v2 || !overlap(i1, i2) {
					continue
				}

				l1, ok1 := locs[v1]
				l2, ok2 := locs[v2]

				if !ok1 || !ok2 || l1.Spilled() || l2.Spilled() {
					continue
				}

				if l1.Reg.IsXMM() != l2.Reg.IsXMM() {
					continue
				}

				assert.NotEqual(t, l1.Reg, l2.Reg, "v%d and v%d interfere in %v", v1, v2, f.Name)
			}
		}
	}
}

func TestFramePushPopBalance(t *testing.T) {
	asm := compileSrc(t, `
int work(int a, int b, int c) {
	int x = a * b;
	int y = b * c;
	int z = x + y;
	return z * a;
}
int main() { return work(1, 2, 3); }
`)

	assert.Equal(t, strings.Count(asm, "push rbp"), strings.Count(asm, "pop rbp"))
}

func TestVarargsRegisterSave(t *testing.T) {
	asm := compileSrc(t, `
int first(int n, ...) {
	__builtin_va_list ap;
	__builtin_va_start(ap, n);
	int v = __builtin_va_arg(ap, int);
	__builtin_va_end(ap);
	return v;
}
int main() { return first(1, 41); }
`)

	// the register save area traversal branches on gp_offset
	assert.Contains(t, asm, "cmp")
	assert.Contains(t, asm, "jae")
}
