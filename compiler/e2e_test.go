package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The semantic round trip: a program that passes the whole
// pipeline produces an executable whose exit code matches its
// // EXPECT: annotation. The host assembler and linker close the
// loop the same way the driver does.

func needTool(t *testing.T, name string) {
	t.Helper()

	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%v not available: %v", name, err)
	}
}

// expectOf reads the // EXPECT: <integer> annotation from the
// first line of a test source.
func expectOf(t *testing.T, src string) int {
	t.Helper()

	line, _, _ := strings.Cut(src, "\n")

	num, ok := strings.CutPrefix(line, "// EXPECT: ")
	require.True(t, ok, "first line %q carries no EXPECT annotation", line)

	want, err := strconv.Atoi(strings.TrimSpace(num))
	require.NoError(t, err)

	return want
}

func buildAndRun(t *testing.T, src string) int {
	t.Helper()

	ctx := context.Background()

	asm, err := Compile(ctx, "scenario.c", []byte(src))
	require.NoError(t, err, "source:\n%s", src)

	dir := t.TempDir()

	sfile := filepath.Join(dir, "scenario.s")
	ofile := filepath.Join(dir, "scenario.o")
	bin := filepath.Join(dir, "scenario")

	require.NoError(t, os.WriteFile(sfile, asm, 0o644))

	out, err := exec.Command("as", sfile, "-o", ofile).CombinedOutput()
	require.NoError(t, err, "as: %s\nassembly:\n%s", out, asm)

	out, err = exec.Command("cc", ofile, "-o", bin).CombinedOutput()
	require.NoError(t, err, "cc: %s", out)

	cmd := exec.Command(bin)

	err = cmd.Run()
	if err != nil {
		var ee *exec.ExitError

		require.ErrorAs(t, err, &ee, "run %v", bin)
	}

	return cmd.ProcessState.ExitCode()
}

func TestScenarioExitCodes(t *testing.T) {
	needTool(t, "as")
	needTool(t, "cc")

	for i, src := range scenarios {
		t.Run(fmt.Sprintf("scenario%d", i+1), func(t *testing.T) {
			want := expectOf(t, src)
			got := buildAndRun(t, src)

			assert.Equal(t, want, got, "source:\n%s", src)
		})
	}
}

// a few more round trips over features the scenarios miss
func TestRoundTripExtras(t *testing.T) {
	needTool(t, "as")
	needTool(t, "cc")

	for _, c := range []struct {
		name string
		src  string
	}{
		{"shortcircuit", `// EXPECT: 1
int g;
int bump(void) { g++; return 1; }
int main() { int r = 0 && bump(); r = r + (1 || bump()); return r + g; }`},

		{"switch", `// EXPECT: 20
int pick(int x) {
	switch (x) {
	case 1: return 10;
	case 2: return 20;
	default: return 30;
	}
}
int main() { return pick(2); }`},

		{"strings", `// EXPECT: 5
int len(const char *s) { int n = 0; while (s[n]) n++; return n; }
int main() { return len("hello"); }`},

		{"floats", `// EXPECT: 7
double scale(double x) { return x * 3.5; }
int main() { return (int)scale(2.0); }`},

		{"funcptr", `// EXPECT: 42
int forty(void) { return 40; }
int main() { int (*f)(void) = forty; return f() + 2; }`},

		{"statics", `// EXPECT: 3
int counter(void) { static int n; n++; return n; }
int main() { counter(); counter(); return counter(); }`},
	} {
		t.Run(c.name, func(t *testing.T) {
			want := expectOf(t, c.src)
			got := buildAndRun(t, c.src)

			assert.Equal(t, want, got, "source:\n%s", c.src)
		})
	}
}
