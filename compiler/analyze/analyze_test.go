package analyze

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/parse"
)

func check(t *testing.T, src string) error {
	t.Helper()

	ctx := context.Background()

	toks, err := lex.Tokenize(ctx, []byte(src))
	require.NoError(t, err)

	p, err := parse.Parse(ctx, toks)
	require.NoError(t, err)

	return Analyze(ctx, p)
}

func TestOK(t *testing.T) {
	err := check(t, `
int g;
int add(int a, int b) { return a + b; }
int main() { int x = add(g, 2); return x; }
`)
	assert.NoError(t, err)
}

func TestUndeclaredName(t *testing.T) {
	err := check(t, "int main() { return nope; }")
	assert.ErrorContains(t, err, "undeclared")
}

// direct calls to unknown names are implicit declarations
func TestImplicitDeclarationCarveOut(t *testing.T) {
	err := check(t, "int main() { return somewhere_else(1); }")
	assert.NoError(t, err)
}

func TestWriteToConst(t *testing.T) {
	err := check(t, "int main() { const int x = 1; x = 2; return x; }")
	assert.ErrorContains(t, err, "const")
}

func TestIncrementConst(t *testing.T) {
	err := check(t, "int main() { const int x = 1; x++; return x; }")
	assert.ErrorContains(t, err, "const")

	err = check(t, "int main() { const int x = 1; --x; return x; }")
	assert.ErrorContains(t, err, "const")
}

func TestRestrictOnNonPointer(t *testing.T) {
	err := check(t, "int main() { restrict int x = 1; return x; }")
	assert.ErrorContains(t, err, "restrict")

	err = check(t, "int main(int *restrict p) { return *p; }")
	assert.NoError(t, err)
}

func TestBreakContinuePlacement(t *testing.T) {
	err := check(t, "int main() { break; return 0; }")
	assert.ErrorContains(t, err, "break")

	err = check(t, "int main() { continue; return 0; }")
	assert.ErrorContains(t, err, "continue")

	err = check(t, "int main() { while (1) { break; } return 0; }")
	assert.NoError(t, err)

	err = check(t, "int main() { switch (1) { default: break; } return 0; }")
	assert.NoError(t, err)

	// continue belongs to loops only
	err = check(t, "int main() { switch (1) { default: continue; } return 0; }")
	assert.ErrorContains(t, err, "continue")
}

func TestDuplicateFunction(t *testing.T) {
	err := check(t, "int f() { return 1; } int f() { return 2; }")
	assert.ErrorContains(t, err, "duplicate function")
}

func TestDuplicateEnumConstant(t *testing.T) {
	err := check(t, "enum A { X }; enum B { X };")
	assert.ErrorContains(t, err, "duplicate enum")
}

func TestScopeShadowing(t *testing.T) {
	err := check(t, `
int main() {
	int x = 1;
	{ int x = 2; x = 3; }
	return x;
}
`)
	assert.NoError(t, err)
}

func TestAsmOutputMustBeLvalue(t *testing.T) {
	err := check(t, `int main() { int y; asm("nop" : "=r"(y + 1)); return 0; }`)
	assert.ErrorContains(t, err, "lvalue")

	err = check(t, `int main() { int y; asm("nop" : "=r"(y)); return y; }`)
	assert.NoError(t, err)
}
