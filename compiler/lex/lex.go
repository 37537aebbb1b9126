package lex

import (
	"context"
	"strconv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

type (
	state struct {
		b []byte
		i int

		lineStart bool
	}
)

// Tokenize runs a single forward pass over the byte buffer.
// Preprocessor residue (# line markers) is skipped to end of line,
// whitespace and comments are discarded.
func Tokenize(ctx context.Context, b []byte) (tokens []Token, err error) {
	tr := tlog.SpanFromContext(ctx)

	s := &state{b: b, lineStart: true}

	for {
		t, ok, err := s.next()
		if err != nil {
			return nil, errors.Wrap(err, "at offset %d", s.i)
		}

		if !ok {
			break
		}

		tokens = append(tokens, t)
	}

	tr.V("tokens").Printw("tokenized", "count", len(tokens))

	return tokens, nil
}

func (s *state) next() (t Token, ok bool, err error) {
	s.skipSpaces()

	if s.i == len(s.b) {
		return t, false, nil
	}

	c := s.b[s.i]

	switch {
	case c == '#' && s.lineStart:
		s.skipLine()
		return s.next()
	case c == '/' && s.i+1 < len(s.b) && s.b[s.i+1] == '/':
		s.skipLine()
		return s.next()
	case c == '/' && s.i+1 < len(s.b) && s.b[s.i+1] == '*':
		err = s.skipBlockComment()
		if err != nil {
			return t, false, err
		}

		return s.next()
	}

	s.lineStart = false

	switch {
	case c == '"':
		t, err = s.str()
	case c == '\'':
		t, err = s.char()
	case c >= '0' && c <= '9':
		t, err = s.number()
	case c == '.' && s.i+1 < len(s.b) && isDigit(s.b[s.i+1]):
		t, err = s.number()
	case isIdentStart(c):
		t = s.ident()
	default:
		t, err = s.operator()
	}

	if err != nil {
		return t, false, err
	}

	return t, true, nil
}

func (s *state) skipSpaces() {
	for s.i < len(s.b) {
		switch s.b[s.i] {
		case ' ', '\t', '\r':
			s.i++
		case '\n':
			s.i++
			s.lineStart = true
		default:
			return
		}
	}
}

func (s *state) skipLine() {
	for s.i < len(s.b) && s.b[s.i] != '\n' {
		s.i++
	}
}

func (s *state) skipBlockComment() error {
	s.i += 2

	for s.i+1 < len(s.b) {
		if s.b[s.i] == '*' && s.b[s.i+1] == '/' {
			s.i += 2
			return nil
		}

		s.i++
	}

	return errors.New("unterminated block comment")
}

func (s *state) str() (t Token, err error) {
	s.i++

	var val []byte

	for s.i < len(s.b) {
		switch c := s.b[s.i]; c {
		case '"':
			s.i++
			return Token{Kind: Str, Text: string(val)}, nil
		case '\\':
			s.i++

			e, err := s.escape()
			if err != nil {
				return t, err
			}

			val = append(val, e)
		default:
			s.i++
			val = append(val, c)
		}
	}

	return t, errors.New("unterminated string literal")
}

// char lexes a character constant. Multi-character constants
// pack big-endian into a 64-bit integer.
func (s *state) char() (t Token, err error) {
	s.i++

	var v int64
	n := 0

	for s.i < len(s.b) && s.b[s.i] != '\'' {
		var c byte

		if s.b[s.i] == '\\' {
			s.i++

			c, err = s.escape()
			if err != nil {
				return t, err
			}
		} else {
			c = s.b[s.i]
			s.i++
		}

		v = v<<8 | int64(c)
		n++
	}

	if s.i == len(s.b) {
		return t, errors.New("unterminated character literal")
	}

	s.i++ // closing quote

	if n == 0 {
		return t, errors.New("empty character literal")
	}

	return Token{Kind: Integer, Int: v}, nil
}

// escape decodes one escape sequence after the backslash.
func (s *state) escape() (byte, error) {
	if s.i == len(s.b) {
		return 0, errors.New("unterminated escape")
	}

	c := s.b[s.i]
	s.i++

	switch c {
	case 'n':
		return '\n', nil
	case 't':
		return '\t', nil
	case 'r':
		return '\r', nil
	case '\\':
		return '\\', nil
	case '\'':
		return '\'', nil
	case '"':
		return '"', nil
	case 'a':
		return 7, nil
	case 'b':
		return 8, nil
	case 'f':
		return 12, nil
	case 'v':
		return 11, nil
	case 'x':
		v := 0
		n := 0

		for s.i < len(s.b) && n < 2 && isHexDigit(s.b[s.i]) {
			v = v<<4 | hexVal(s.b[s.i])
			s.i++
			n++
		}

		if n == 0 {
			return 0, errors.New("bad hex escape")
		}

		return byte(v), nil
	case '0', '1', '2', '3', '4', '5', '6', '7':
		v := int(c - '0')
		n := 1

		for s.i < len(s.b) && n < 3 && s.b[s.i] >= '0' && s.b[s.i] <= '7' {
			v = v<<3 | int(s.b[s.i]-'0')
			s.i++
			n++
		}

		return byte(v), nil
	default:
		return 0, errors.New("bad escape: \\%c", c)
	}
}

func (s *state) number() (t Token, err error) {
	st := s.i

	if s.b[s.i] == '0' && s.i+1 < len(s.b) && (s.b[s.i+1] == 'x' || s.b[s.i+1] == 'X') {
		s.i += 2
		d := s.i

		for s.i < len(s.b) && isHexDigit(s.b[s.i]) {
			s.i++
		}

		if s.i == d {
			return t, errors.New("no digits after 0x")
		}

		v, err := strconv.ParseUint(string(s.b[d:s.i]), 16, 64)
		if err != nil {
			return t, errors.Wrap(err, "hex literal")
		}

		return Token{Kind: Integer, Int: int64(v), Suffix: s.intSuffix()}, nil
	}

	if s.b[s.i] == '0' && s.i+1 < len(s.b) && (s.b[s.i+1] == 'b' || s.b[s.i+1] == 'B') {
		s.i += 2
		d := s.i

		for s.i < len(s.b) && (s.b[s.i] == '0' || s.b[s.i] == '1') {
			s.i++
		}

		if s.i == d {
			return t, errors.New("no digits after 0b")
		}

		v, err := strconv.ParseUint(string(s.b[d:s.i]), 2, 64)
		if err != nil {
			return t, errors.Wrap(err, "binary literal")
		}

		return Token{Kind: Integer, Int: int64(v), Suffix: s.intSuffix()}, nil
	}

	isFloat := false

	for s.i < len(s.b) {
		c := s.b[s.i]

		switch {
		case isDigit(c):
			s.i++
		case c == '.' && !isFloat:
			isFloat = true
			s.i++
		case (c == 'e' || c == 'E') && s.hasExpDigit():
			isFloat = true
			s.i++

			if s.i < len(s.b) && (s.b[s.i] == '+' || s.b[s.i] == '-') {
				s.i++
			}
		default:
			goto done
		}
	}

done:
	text := string(s.b[st:s.i])

	if isFloat {
		// float suffix is consumed and ignored, long double is out of scope
		if s.i < len(s.b) && (s.b[s.i] == 'f' || s.b[s.i] == 'F' || s.b[s.i] == 'l' || s.b[s.i] == 'L') {
			s.i++
		}

		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return t, errors.Wrap(err, "float literal")
		}

		return Token{Kind: FloatLit, Float: v}, nil
	}

	if text[0] == '0' && len(text) > 1 {
		v, err := strconv.ParseUint(text[1:], 8, 64)
		if err != nil {
			return t, errors.Wrap(err, "octal literal")
		}

		return Token{Kind: Integer, Int: int64(v), Suffix: s.intSuffix()}, nil
	}

	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return t, errors.Wrap(err, "integer literal")
	}

	return Token{Kind: Integer, Int: int64(v), Suffix: s.intSuffix()}, nil
}

func (s *state) hasExpDigit() bool {
	j := s.i + 1

	if j < len(s.b) && (s.b[j] == '+' || s.b[j] == '-') {
		j++
	}

	return j < len(s.b) && isDigit(s.b[j])
}

// intSuffix consumes a case-insensitive width tag from
// {U, L, UL, LU, LL, ULL, LLU}.
func (s *state) intSuffix() Suffix {
	u, l := 0, 0

	for s.i < len(s.b) {
		switch s.b[s.i] {
		case 'u', 'U':
			u++
		case 'l', 'L':
			l++
		default:
			goto done
		}

		s.i++
	}

done:
	switch {
	case u > 0 && l >= 2:
		return ULL
	case l >= 2:
		return LL
	case u > 0 && l == 1:
		return UL
	case l == 1:
		return L
	case u > 0:
		return U
	}

	return None
}

func (s *state) ident() Token {
	st := s.i

	for s.i < len(s.b) && isIdentByte(s.b[s.i]) {
		s.i++
	}

	text := string(s.b[st:s.i])

	if k, ok := keywords[text]; ok {
		return Token{Kind: k}
	}

	return Token{Kind: Ident, Text: text}
}

func (s *state) operator() (t Token, err error) {
	rest := s.b[s.i:]

	three := [...]struct {
		text string
		kind Kind
	}{
		{"...", Ellipsis},
		{"<<=", ShlAssign},
		{">>=", ShrAssign},
	}

	for _, op := range three {
		if len(rest) >= 3 && string(rest[:3]) == op.text {
			s.i += 3
			return Token{Kind: op.kind}, nil
		}
	}

	two := [...]struct {
		text string
		kind Kind
	}{
		{"==", Eq}, {"!=", Ne}, {"<=", Le}, {">=", Ge},
		{"&&", AndAnd}, {"||", OrOr}, {"<<", Shl}, {">>", Shr},
		{"->", Arrow}, {"++", Inc}, {"--", Dec},
		{"+=", AddAssign}, {"-=", SubAssign}, {"*=", MulAssign},
		{"/=", DivAssign}, {"%=", ModAssign}, {"&=", AndAssign},
		{"|=", OrAssign}, {"^=", XorAssign},
	}

	for _, op := range two {
		if len(rest) >= 2 && string(rest[:2]) == op.text {
			s.i += 2
			return Token{Kind: op.kind}, nil
		}
	}

	one := map[byte]Kind{
		'+': Plus, '-': Minus, '*': Star, '/': Slash, '%': Percent,
		'&': Amp, '|': Pipe, '^': Caret, '~': Tilde, '!': Bang,
		'=': Assign, '<': Lt, '>': Gt, '.': Dot,
		',': Comma, ';': Semi, ':': Colon, '?': Question,
		'(': LParen, ')': RParen, '{': LBrace, '}': RBrace,
		'[': LBrack, ']': RBrack,
	}

	if k, ok := one[rest[0]]; ok {
		s.i++
		return Token{Kind: k}, nil
	}

	return t, errors.New("unexpected byte: %q", rest[0])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func hexVal(c byte) int {
	switch {
	case c >= 'a':
		return int(c-'a') + 10
	case c >= 'A':
		return int(c-'A') + 10
	default:
		return int(c - '0')
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
