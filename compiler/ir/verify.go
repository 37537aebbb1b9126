package ir

import "fmt"

// VerifySSA asserts the single-definition property: every Var in
// operand position is defined exactly once, by a parameter, an
// instruction destination or a phi. It also checks terminator
// and phi placement. Violations are compiler bugs and panic.
func VerifySSA(f *Func) {
	defined := map[VarID]int{}

	for _, p := range f.Params {
		defined[p.ID]++
	}

	for _, b := range f.Blocks {
		for _, x := range b.Instrs {
			if d := Dst(x); d >= 0 {
				defined[d]++
			}
		}
	}

	for v, n := range defined {
		if n > 1 {
			panic(fmt.Sprintf("ssa violation: v%d defined %d times in %v", v, n, f.Name))
		}
	}

	for i, b := range f.Blocks {
		if b.Term == nil {
			panic(fmt.Sprintf("block b%d of %v has no terminator", i, f.Name))
		}

		lead := true

		for _, x := range b.Instrs {
			if _, ok := x.(Phi); ok {
				if !lead {
					panic(fmt.Sprintf("phi outside leading prefix in b%d of %v", i, f.Name))
				}

				continue
			}

			lead = false
		}

		check := func(o *Operand) {
			v, ok := (*o).(Var)
			if !ok {
				return
			}

			if defined[VarID(v)] == 0 {
				panic(fmt.Sprintf("use of undefined v%d in b%d of %v", v, i, f.Name))
			}
		}

		for _, x := range b.Instrs {
			Operands(x, check)
		}

		Operands(b.Term, check)
	}
}

// VerifyNoPhis asserts the post-phi-removal regime before
// register allocation.
func VerifyNoPhis(f *Func) {
	for i, b := range f.Blocks {
		for _, x := range b.Instrs {
			if _, ok := x.(Phi); ok {
				panic(fmt.Sprintf("phi after phi removal in b%d of %v", i, f.Name))
			}
		}
	}
}
