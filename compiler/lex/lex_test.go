package lex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenize(t *testing.T, src string) []Token {
	t.Helper()

	toks, err := Tokenize(context.Background(), []byte(src))
	require.NoError(t, err)

	return toks
}

func kinds(toks []Token) []Kind {
	l := make([]Kind, len(toks))

	for i, t := range toks {
		l[i] = t.Kind
	}

	return l
}

func TestBasic(t *testing.T) {
	toks := tokenize(t, "int x = 123;")

	assert.Equal(t, []Kind{KwInt, Ident, Assign, Integer, Semi}, kinds(toks))
	assert.Equal(t, "x", toks[1].Text)
	assert.Equal(t, int64(123), toks[3].Int)
}

func TestNumbers(t *testing.T) {
	toks := tokenize(t, "0xFF 0b101 0755 42 3.14 .5 1e3 0")

	assert.Equal(t, int64(255), toks[0].Int)
	assert.Equal(t, int64(5), toks[1].Int)
	assert.Equal(t, int64(493), toks[2].Int)
	assert.Equal(t, int64(42), toks[3].Int)
	assert.Equal(t, FloatLit, toks[4].Kind)
	assert.Equal(t, 3.14, toks[4].Float)
	assert.Equal(t, 0.5, toks[5].Float)
	assert.Equal(t, 1000.0, toks[6].Float)
	assert.Equal(t, int64(0), toks[7].Int)
}

func TestIntSuffixes(t *testing.T) {
	toks := tokenize(t, "1u 2l 3ul 4ll 5ull 6LU 7")

	assert.Equal(t, U, toks[0].Suffix)
	assert.Equal(t, L, toks[1].Suffix)
	assert.Equal(t, UL, toks[2].Suffix)
	assert.Equal(t, LL, toks[3].Suffix)
	assert.Equal(t, ULL, toks[4].Suffix)
	assert.Equal(t, UL, toks[5].Suffix)
	assert.Equal(t, None, toks[6].Suffix)
}

func TestStringEscapes(t *testing.T) {
	toks := tokenize(t, `"a\n\t\r\\\'\"\0\a\b\f\v\x41\101"`)

	require.Len(t, toks, 1)
	assert.Equal(t, Str, toks[0].Kind)
	assert.Equal(t, "a\n\t\r\\'\"\x00\a\b\f\v\x41\x41", toks[0].Text)
}

func TestCharLiterals(t *testing.T) {
	toks := tokenize(t, `'A' '\n' '\x41' '\0'`)

	assert.Equal(t, int64('A'), toks[0].Int)
	assert.Equal(t, int64('\n'), toks[1].Int)
	assert.Equal(t, int64(0x41), toks[2].Int)
	assert.Equal(t, int64(0), toks[3].Int)
}

// multi-character constants pack big-endian
func TestMultiCharConstant(t *testing.T) {
	toks := tokenize(t, `'ABCD'`)

	require.Len(t, toks, 1)
	assert.Equal(t, int64('A')<<24|int64('B')<<16|int64('C')<<8|int64('D'), toks[0].Int)
}

func TestOperators(t *testing.T) {
	toks := tokenize(t, "== != <= >= && || -> ++ -- <<= >>= ... << >> += -= *= /= %= &= |= ^=")

	want := []Kind{
		Eq, Ne, Le, Ge, AndAnd, OrOr, Arrow, Inc, Dec,
		ShlAssign, ShrAssign, Ellipsis, Shl, Shr,
		AddAssign, SubAssign, MulAssign, DivAssign, ModAssign,
		AndAssign, OrAssign, XorAssign,
	}

	assert.Equal(t, want, kinds(toks))
}

func TestDotDisambiguation(t *testing.T) {
	toks := tokenize(t, "a.b .5 .")

	assert.Equal(t, []Kind{Ident, Dot, Ident, FloatLit, Dot}, kinds(toks))
}

func TestComments(t *testing.T) {
	toks := tokenize(t, "int /* block */ x; // line\nint y;")

	assert.Equal(t, []Kind{KwInt, Ident, Semi, KwInt, Ident, Semi}, kinds(toks))
}

func TestPreprocessorMarkers(t *testing.T) {
	toks := tokenize(t, "# 1 \"test.c\"\nint x;\n# 2 \"other.h\" 1\nint y;")

	assert.Equal(t, []Kind{KwInt, Ident, Semi, KwInt, Ident, Semi}, kinds(toks))
}

func TestHashMidLineIsError(t *testing.T) {
	_, err := Tokenize(context.Background(), []byte("int x # y;"))
	assert.Error(t, err)
}

func TestKeywords(t *testing.T) {
	toks := tokenize(t, "typeof __typeof__ __attribute__ asm __asm__ _Bool _Static_assert __cdecl __stdcall")

	assert.Equal(t, []Kind{
		KwTypeof, KwTypeof, KwAttribute, KwAsm, KwAsm,
		KwBool, KwStaticAssert, KwCallconv, KwCallconv,
	}, kinds(toks))
}

func TestErrors(t *testing.T) {
	for _, src := range []string{`"unterminated`, `'`, "/* open", "0x", "@"} {
		_, err := Tokenize(context.Background(), []byte(src))
		assert.Error(t, err, "input %q", src)
	}
}

// re-serializing a token and lexing again yields the same kind
func TestRoundTrip(t *testing.T) {
	toks := tokenize(t, `foo 42 3.5 "str" + -> <<= sizeof struct`)

	for _, tok := range toks {
		again := tokenize(t, tok.String())

		require.Len(t, again, 1, "token %v", tok)
		assert.Equal(t, tok.Kind, again[0].Kind, "token %v", tok)
	}
}
