package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler"
)

func main() {
	app := &cli.Command{
		Name:        "mcc",
		Description: "mcc compiles a subset of C to x86-64 assembly",
		Args:        cli.Args{},
		Action:      run,
		Flags: []*cli.Flag{
			cli.NewFlag("output,o", "a.out", "output file name"),
			cli.NewFlag("c", false, "stop at object file"),
			cli.NewFlag("S", false, "stop at assembly"),
			cli.NewFlag("lex", false, "stop after lexing, dump tokens"),
			cli.NewFlag("parse", false, "stop after parsing, dump the ast"),
			cli.NewFlag("codegen", false, "stop after codegen, dump assembly to stdout"),
			cli.NewFlag("keep-intermediates", false, "do not delete .i and .s files"),
			cli.NewFlag("D", "", "preprocessor defines, comma separated"),
			cli.NewFlag("U", "", "preprocessor undefines, comma separated"),
			cli.NewFlag("I", "", "include search paths, comma separated"),
			cli.NewFlag("include", "", "force includes, comma separated"),
			cli.NewFlag("nostdlib", false, "do not link the standard library"),
			cli.NewFlag("ffreestanding", false, "freestanding environment"),
			cli.NewFlag("verbosity,v", "", "tlog verbosity topics"),

			cli.FlagfileFlag,
			cli.HelpFlag,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func run(c *cli.Command) (err error) {
	tlog.SetVerbosity(c.String("verbosity"))

	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	if len(c.Args) == 0 {
		return errors.New("no input files")
	}

	var objects []string

	for _, a := range c.Args {
		obj, err := compileOne(ctx, c, a)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}

		if obj != "" {
			objects = append(objects, obj)
		}
	}

	if c.Bool("S") || c.Bool("c") || c.Bool("lex") || c.Bool("parse") || c.Bool("codegen") {
		return nil
	}

	return link(ctx, c, objects)
}

func compileOne(ctx context.Context, c *cli.Command, name string) (obj string, err error) {
	text, err := preprocess(ctx, c, name)
	if err != nil {
		return "", errors.Wrap(err, "preprocess")
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))

	if c.Bool("keep-intermediates") {
		ifile := stem + ".i"

		err = os.WriteFile(ifile, text, 0o644)
		if err != nil {
			return "", errors.Wrap(err, "write %v", ifile)
		}
	}

	switch {
	case c.Bool("lex"):
		toks, err := compiler.Tokenize(ctx, name, text)
		if err != nil {
			return "", err
		}

		for _, t := range toks {
			fmt.Printf("%v\n", t)
		}

		return "", nil
	case c.Bool("parse"):
		x, err := compiler.Parse(ctx, name, text)
		if err != nil {
			return "", err
		}

		fmt.Printf("%+v\n", x)

		return "", nil
	case c.Bool("codegen"):
		asm, err := compiler.Compile(ctx, name, text)
		if err != nil {
			return "", err
		}

		fmt.Printf("%s", asm)

		return "", nil
	}

	asm, err := compiler.Compile(ctx, name, text)
	if err != nil {
		return "", err
	}

	sfile := stem + ".s"

	err = os.WriteFile(sfile, asm, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "write %v", sfile)
	}

	if c.Bool("S") {
		return "", nil
	}

	ofile := stem + ".o"

	err = runTool(ctx, "as", sfile, "-o", ofile)
	if err != nil {
		return "", errors.Wrap(err, "assemble")
	}

	if !c.Bool("keep-intermediates") {
		_ = os.Remove(sfile)
	}

	return ofile, nil
}

// preprocess shells out to the system preprocessor and waits for
// completion.
func preprocess(ctx context.Context, c *cli.Command, name string) ([]byte, error) {
	args := []string{"-E", name}

	for _, d := range splitList(c.String("D")) {
		args = append(args, "-D"+d)
	}

	for _, u := range splitList(c.String("U")) {
		args = append(args, "-U"+u)
	}

	for _, i := range splitList(c.String("I")) {
		args = append(args, "-I"+i)
	}

	for _, i := range splitList(c.String("include")) {
		args = append(args, "--include", i)
	}

	if c.Bool("nostdlib") {
		args = append(args, "-nostdlib")
	}

	if c.Bool("ffreestanding") {
		args = append(args, "-ffreestanding")
	}

	cmd := exec.Command("cc", args...)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "cc -E")
	}

	tlog.SpanFromContext(ctx).V("driver").Printw("preprocessed", "name", name, "size", len(out))

	return out, nil
}

func link(ctx context.Context, c *cli.Command, objects []string) error {
	if len(objects) == 0 {
		return nil
	}

	args := append([]string{}, objects...)
	args = append(args, "-o", c.String("output"))

	if c.Bool("nostdlib") {
		args = append(args, "-nostdlib")
	}

	err := runTool(ctx, "cc", args...)
	if err != nil {
		return errors.Wrap(err, "link")
	}

	if !c.Bool("keep-intermediates") {
		for _, o := range objects {
			_ = os.Remove(o)
		}
	}

	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}

	return strings.Split(s, ",")
}

func runTool(ctx context.Context, name string, args ...string) error {
	tlog.SpanFromContext(ctx).V("driver").Printw("run tool", "tool", name, "args", args)

	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
