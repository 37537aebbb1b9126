// Package compiler drives preprocessed C through the pipeline:
// lexing, parsing, semantic analysis, lowering to an SSA control
// flow graph, a fixed optimization pass order, and x86-64 code
// generation in Intel syntax.
//
// Each stage is a package of its own under compiler/ and
// communicates through plain values: a token slice, the ast,
// the ir program. The only cross-stage side table is the
// per-function variable type map that codegen needs to pick
// between general purpose and XMM registers.
package compiler
