package compiler

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the // EXPECT: annotation names the process exit code a built
// executable would return; these sources follow that convention
var scenarios = []string{
	`// EXPECT: 6
int main() { int a = 5, b = 3; return (a | b) & ~(a & b); }`,

	`// EXPECT: 42
struct P { int x, y; };
int main() { struct P p = {.x = 10, .y = 32}; return p.x + p.y; }`,

	`// EXPECT: 45
int main() { int s = 0; for (int i = 0; i < 10; i++) s += i; return s; }`,

	`// EXPECT: 55
int fib(int n) { if (n <= 1) return n; return fib(n - 1) + fib(n - 2); }
int main() { return fib(10); }`,

	`// EXPECT: 3
int main() { int a[3] = {1, 2, 3}; int *p = a; return *(p + 2); }`,

	`// EXPECT: 120
int main() { union U { int i; char c; } u; u.i = 0x12345678; return u.c; }`,
}

func TestScenariosCompile(t *testing.T) {
	ctx := context.Background()

	for _, src := range scenarios {
		asm, err := Compile(ctx, "test.c", []byte(src))
		require.NoError(t, err, "source:\n%s", src)

		s := string(asm)
		assert.Contains(t, s, ".intel_syntax noprefix")
		assert.Contains(t, s, ".globl main")
		assert.Contains(t, s, "\tret\n")
	}
}

// exactly one of output and error per stage
func TestErrorXorOutput(t *testing.T) {
	ctx := context.Background()

	good := "int main() { return 0; }"
	bad := "int main() { return @; }"

	asm, err := Compile(ctx, "good.c", []byte(good))
	assert.NoError(t, err)
	assert.NotEmpty(t, asm)

	asm, err = Compile(ctx, "bad.c", []byte(bad))
	assert.Error(t, err)
	assert.Empty(t, asm)
}

func TestStageErrors(t *testing.T) {
	ctx := context.Background()

	for _, c := range []struct {
		name string
		src  string
	}{
		{"lexer", `int main() { char *s = "unterminated; }`},
		{"parser", "int main() { return 1 +; }"},
		{"semantic", "int main() { return missing_variable; }"},
		{"lowering", "int main() { goto nowhere; }"},
	} {
		_, err := Compile(ctx, c.name+".c", []byte(c.src))
		assert.Error(t, err, "stage %v", c.name)
	}
}

func TestExpectAnnotationParsable(t *testing.T) {
	for _, src := range scenarios {
		line, _, _ := strings.Cut(src, "\n")
		assert.True(t, strings.HasPrefix(line, "// EXPECT: "), "first line %q", line)
	}
}
