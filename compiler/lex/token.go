package lex

import "fmt"

type (
	Kind int

	// Suffix is the integer literal width tag.
	Suffix int

	Token struct {
		Kind Kind

		Text   string // identifier name or string bytes
		Int    int64
		Float  float64
		Suffix Suffix
	}
)

const (
	None Suffix = iota
	U
	L
	UL
	LL
	ULL
)

const (
	Ident Kind = iota
	Integer
	FloatLit
	Str

	// punctuation, maximal munch

	Plus
	Minus
	Star
	Slash
	Percent
	Amp
	Pipe
	Caret
	Tilde
	Bang
	Assign
	Eq
	Ne
	Lt
	Gt
	Le
	Ge
	AndAnd
	OrOr
	Shl
	Shr
	Arrow
	Inc
	Dec
	AddAssign
	SubAssign
	MulAssign
	DivAssign
	ModAssign
	AndAssign
	OrAssign
	XorAssign
	ShlAssign
	ShrAssign
	Dot
	Ellipsis
	Comma
	Semi
	Colon
	Question
	LParen
	RParen
	LBrace
	RBrace
	LBrack
	RBrack

	// keywords

	KwAuto
	KwBreak
	KwCase
	KwChar
	KwConst
	KwContinue
	KwDefault
	KwDo
	KwDouble
	KwElse
	KwEnum
	KwExtern
	KwFloat
	KwFor
	KwGoto
	KwIf
	KwInline
	KwInt
	KwLong
	KwRegister
	KwRestrict
	KwReturn
	KwShort
	KwSigned
	KwSizeof
	KwStatic
	KwStruct
	KwSwitch
	KwTypedef
	KwUnion
	KwUnsigned
	KwVoid
	KwVolatile
	KwWhile

	KwBool
	KwAlignas
	KwAlignof
	KwGeneric
	KwNoreturn
	KwStaticAssert

	KwAttribute
	KwExtension
	KwAsm
	KwTypeof
	KwOffsetof

	// calling convention specifiers all map here
	KwCallconv
)

// keywords maps source spellings to kinds. GCC double-underscore
// spellings collapse onto their standard kind.
var keywords = map[string]Kind{
	"auto":     KwAuto,
	"break":    KwBreak,
	"case":     KwCase,
	"char":     KwChar,
	"const":    KwConst,
	"continue": KwContinue,
	"default":  KwDefault,
	"do":       KwDo,
	"double":   KwDouble,
	"else":     KwElse,
	"enum":     KwEnum,
	"extern":   KwExtern,
	"float":    KwFloat,
	"for":      KwFor,
	"goto":     KwGoto,
	"if":       KwIf,
	"inline":   KwInline,
	"int":      KwInt,
	"long":     KwLong,
	"register": KwRegister,
	"restrict": KwRestrict,
	"return":   KwReturn,
	"short":    KwShort,
	"signed":   KwSigned,
	"sizeof":   KwSizeof,
	"static":   KwStatic,
	"struct":   KwStruct,
	"switch":   KwSwitch,
	"typedef":  KwTypedef,
	"union":    KwUnion,
	"unsigned": KwUnsigned,
	"void":     KwVoid,
	"volatile": KwVolatile,
	"while":    KwWhile,

	"_Bool":          KwBool,
	"_Alignas":       KwAlignas,
	"_Alignof":       KwAlignof,
	"_Generic":       KwGeneric,
	"_Noreturn":      KwNoreturn,
	"_Static_assert": KwStaticAssert,

	"__attribute__": KwAttribute,
	"__attribute":   KwAttribute,
	"__extension__": KwExtension,
	"__asm__":       KwAsm,
	"__asm":         KwAsm,
	"asm":           KwAsm,
	"typeof":        KwTypeof,
	"__typeof__":    KwTypeof,
	"__typeof":      KwTypeof,

	"__inline":     KwInline,
	"__inline__":   KwInline,
	"__const":      KwConst,
	"__const__":    KwConst,
	"__restrict":   KwRestrict,
	"__restrict__": KwRestrict,
	"__signed":     KwSigned,
	"__signed__":   KwSigned,
	"__volatile__": KwVolatile,
	"__volatile":   KwVolatile,
	"__alignof__":  KwAlignof,
	"__alignof":    KwAlignof,
	"_Noreturn__":  KwNoreturn,

	"__builtin_offsetof": KwOffsetof,

	"__cdecl":    KwCallconv,
	"__stdcall":  KwCallconv,
	"__fastcall": KwCallconv,
	"__thiscall": KwCallconv,
}

var punctNames = map[Kind]string{
	Plus: "+", Minus: "-", Star: "*", Slash: "/", Percent: "%",
	Amp: "&", Pipe: "|", Caret: "^", Tilde: "~", Bang: "!",
	Assign: "=", Eq: "==", Ne: "!=", Lt: "<", Gt: ">", Le: "<=", Ge: ">=",
	AndAnd: "&&", OrOr: "||", Shl: "<<", Shr: ">>",
	Arrow: "->", Inc: "++", Dec: "--",
	AddAssign: "+=", SubAssign: "-=", MulAssign: "*=", DivAssign: "/=", ModAssign: "%=",
	AndAssign: "&=", OrAssign: "|=", XorAssign: "^=", ShlAssign: "<<=", ShrAssign: ">>=",
	Dot: ".", Ellipsis: "...", Comma: ",", Semi: ";", Colon: ":", Question: "?",
	LParen: "(", RParen: ")", LBrace: "{", RBrace: "}", LBrack: "[", RBrack: "]",
}

var kwNames = func() map[Kind]string {
	m := map[Kind]string{}

	for s, k := range keywords {
		if _, ok := m[k]; !ok {
			m[k] = s
		}
	}

	// prefer the plain spellings
	m[KwInline] = "inline"
	m[KwConst] = "const"
	m[KwRestrict] = "restrict"
	m[KwSigned] = "signed"
	m[KwVolatile] = "volatile"
	m[KwAsm] = "asm"
	m[KwTypeof] = "typeof"
	m[KwAlignof] = "_Alignof"
	m[KwNoreturn] = "_Noreturn"

	return m
}()

// IsKeyword reports kinds produced by the keyword table.
func (k Kind) IsKeyword() bool {
	return k >= KwAuto
}

func (t Token) String() string {
	switch t.Kind {
	case Ident:
		return t.Text
	case Integer:
		return fmt.Sprintf("%d", t.Int)
	case FloatLit:
		return fmt.Sprintf("%g", t.Float)
	case Str:
		return fmt.Sprintf("%q", t.Text)
	}

	return t.Kind.String()
}

func (k Kind) String() string {
	switch k {
	case Ident:
		return "identifier"
	case Integer:
		return "integer"
	case FloatLit:
		return "float"
	case Str:
		return "string"
	}

	if s, ok := punctNames[k]; ok {
		return s
	}

	if s, ok := kwNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}
