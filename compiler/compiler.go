package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/analyze"
	"github.com/mcclang/mcc/src/compiler/ast"
	"github.com/mcclang/mcc/src/compiler/back"
	"github.com/mcclang/mcc/src/compiler/ir"
	"github.com/mcclang/mcc/src/compiler/lex"
	"github.com/mcclang/mcc/src/compiler/lower"
	"github.com/mcclang/mcc/src/compiler/opt"
	"github.com/mcclang/mcc/src/compiler/parse"
)

func CompileFile(ctx context.Context, name string) (obj []byte, err error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(text), "name", name)

	return Compile(ctx, name, text)
}

// Compile runs the whole pipeline on preprocessed C text:
// lex, parse, analyze, lower to SSA, optimize, generate x86-64.
func Compile(ctx context.Context, name string, text []byte) (obj []byte, err error) {
	p, err := Lower(ctx, name, text)
	if err != nil {
		return nil, err
	}

	obj, err = back.CompileProgram(ctx, nil, p)
	if err != nil {
		return nil, errors.Wrap(err, "codegen")
	}

	return obj, nil
}

// Lower stops after the optimizer, for tests and stage dumps.
func Lower(ctx context.Context, name string, text []byte) (p *ir.Program, err error) {
	x, err := Parse(ctx, name, text)
	if err != nil {
		return nil, err
	}

	err = analyze.Analyze(ctx, x)
	if err != nil {
		return nil, errors.Wrap(err, "analyze")
	}

	p, err = lower.Lower(ctx, x)
	if err != nil {
		return nil, errors.Wrap(err, "lower")
	}

	opt.Optimize(ctx, p)

	return p, nil
}

// Parse stops after the parser.
func Parse(ctx context.Context, name string, text []byte) (x *ast.Program, err error) {
	toks, err := Tokenize(ctx, name, text)
	if err != nil {
		return nil, err
	}

	x, err = parse.Parse(ctx, toks)
	if err != nil {
		return nil, errors.Wrap(err, "parse %v", name)
	}

	return x, nil
}

// Tokenize stops after the lexer.
func Tokenize(ctx context.Context, name string, text []byte) ([]lex.Token, error) {
	toks, err := lex.Tokenize(ctx, text)
	if err != nil {
		return nil, errors.Wrap(err, "lex %v", name)
	}

	return toks, nil
}
