package back

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
	"github.com/mcclang/mcc/src/compiler/ir"
)

// CompileProgram selects instructions, allocates registers,
// polishes with the peephole pass and serializes the whole
// translation unit to Intel syntax assembly.
func CompileProgram(ctx context.Context, b []byte, p *ir.Program) (_ []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "back: generate code", "funcs", len(p.Funcs))
	defer tr.Finish("err", &err)

	abi := HostABI()
	floats := newFloatPool()

	funcs := map[string][]x86.Instr{}

	for _, f := range p.Funcs {
		asm, err := genFunc(p, f, abi, floats)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}

		asm = peephole(asm)
		funcs[f.Name] = asm
	}

	b = EmitProgram(b, p, funcs, p.Funcs, floats)

	return b, nil
}
