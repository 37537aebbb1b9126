package opt

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/ir"
)

// Optimize runs the fixed pass pipeline once per function.
// A single run, not a fixpoint: multi-pass iteration interacts
// badly with float function-pointer codegen.
func Optimize(ctx context.Context, p *ir.Program) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "opt: run pipeline", "funcs", len(p.Funcs))
	defer tr.Finish()

	for _, f := range p.Funcs {
		mem2reg(f)
		ir.VerifySSA(f)

		algebraic(f)
		strength(f)
		copyprop(f)
		loadForward(f)
		cse(f)
		foldAndDCE(f)
		phiRemove(f)
		ir.VerifyNoPhis(f)
		cfgSimplify(f)

		if tr.If("dump_opt") {
			tr.Printw("optimized", "func", f.Name, "text", f.Format())
		}
	}
}

// forEachInstr rewrites every instruction in place.
func forEachInstr(f *ir.Func, fn func(x any) any) {
	for _, b := range f.Blocks {
		for i, x := range b.Instrs {
			b.Instrs[i] = fn(x)
		}
	}
}

// rewriteOperands applies fn to every operand use in the
// function, including terminators.
func rewriteOperands(f *ir.Func, fn func(o ir.Operand) ir.Operand) {
	for _, b := range f.Blocks {
		for i, x := range b.Instrs {
			b.Instrs[i] = ir.Operands(x, func(o *ir.Operand) {
				*o = fn(*o)
			})
		}

		if b.Term != nil {
			b.Term = ir.Operands(b.Term, func(o *ir.Operand) {
				*o = fn(*o)
			})
		}
	}
}

// useCounts counts operand uses of every variable.
func useCounts(f *ir.Func) map[ir.VarID]int {
	uses := map[ir.VarID]int{}

	count := func(o *ir.Operand) {
		if v, ok := (*o).(ir.Var); ok {
			uses[ir.VarID(v)]++
		}
	}

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			ir.Operands(x, count)
		}

		if b.Term != nil {
			ir.Operands(b.Term, count)
		}
	}

	return uses
}
