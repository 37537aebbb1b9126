package back

import "github.com/mcclang/mcc/src/compiler/asm/x86"

// peephole makes a single linear scan over the selected buffer
// with a conservative liveness helper.
func peephole(asm []x86.Instr) []x86.Instr {
	out := make([]x86.Instr, 0, len(asm))

	labelAt := map[string]int{}

	for i, x := range asm {
		if l, ok := x.(x86.Label); ok {
			labelAt[l.Name] = i
		}
	}

	// jumpTarget resolves transitive jump chains with cycle
	// detection: jmp A where A immediately jumps B becomes jmp B.
	jumpTarget := func(t string) string {
		seen := map[string]bool{}

		for !seen[t] {
			seen[t] = true

			i, ok := labelAt[t]
			if !ok {
				break
			}

			j := i + 1

			for j < len(asm) {
				if _, ok := asm[j].(x86.Label); ok {
					j++
					continue
				}

				break
			}

			if j == len(asm) {
				break
			}

			jmp, ok := asm[j].(x86.Jmp)
			if !ok {
				break
			}

			t = jmp.Target
		}

		return t
	}

	for i := 0; i < len(asm); i++ {
		x := asm[i]

		switch x := x.(type) {
		case x86.Mov:
			// mov reg, reg with identical operands; the 32-bit
			// form zero-extends and stays
			if d, ok := x.Dst.(x86.Reg); ok {
				if s, ok := x.Src.(x86.Reg); ok && d == s && x.Size == 8 {
					continue
				}
			}

			// mov reg, X; mov Y, reg  ->  mov Y, X
			if i+1 < len(asm) {
				if n, ok := asm[i+1].(x86.Mov); ok {
					r1, mid := x.Dst.(x86.Reg)
					r2, fromMid := n.Src.(x86.Reg)

					_, dstMem := n.Dst.(x86.Mem)
					_, srcMem := x.Src.(x86.Mem)

					if mid && fromMid && r1 == r2 && x.Size == 8 && n.Size == 8 &&
						!(dstMem && srcMem) && !isRegUsedAfter(asm, i+2, r1) {
						out = append(out, x86.Mov{Dst: n.Dst, Src: x.Src, Size: 8})
						i++

						continue
					}
				}
			}

			// mov reg, imm; add reg, reg2  ->  lea reg, [reg2 + imm]
			if i+1 < len(asm) {
				if n, ok := asm[i+1].(x86.ALU); ok && n.Op == "add" && n.Size == 8 {
					d1, rd := x.Dst.(x86.Reg)
					imm, ri := x.Src.(x86.Imm)
					d2, ok2 := n.Dst.(x86.Reg)
					s2, ok3 := n.Src.(x86.Reg)

					if rd && ri && ok2 && ok3 && d1 == d2 && d1 != s2 {
						out = append(out, x86.Lea{Dst: d1, Src: x86.Mem{Base: s2, Off: int(imm)}})
						i++

						continue
					}
				}
			}

			out = append(out, x)
		case x86.ALU:
			// add/sub reg, 0 and imul reg, 1 do nothing
			if imm, ok := x.Src.(x86.Imm); ok {
				if (x.Op == "add" || x.Op == "sub") && imm == 0 {
					continue
				}

				if x.Op == "imul" && imm == 1 {
					continue
				}
			}

			// cmp a, b; setcc c r; ...flag-preserving...;
			// cmp r, 0; jcc ne  ->  reuse the first flags
			if x.Op == "cmp" {
				if imm, ok := x.Src.(x86.Imm); ok && imm == 0 {
					if cc, ok := flagsFromSetcc(out, x.Dst); ok {
						if i+1 < len(asm) {
							if j, ok := asm[i+1].(x86.Jcc); ok && j.Cond == "ne" {
								out = append(out, x86.Jcc{Cond: cc, Target: jumpTarget(j.Target)})
								i++

								continue
							}
						}
					}
				}
			}

			out = append(out, x)
		case x86.Jmp:
			out = append(out, x86.Jmp{Target: jumpTarget(x.Target)})
		case x86.Jcc:
			out = append(out, x86.Jcc{Cond: x.Cond, Target: jumpTarget(x.Target)})
		default:
			out = append(out, x)
		}
	}

	return out
}

// flagsFromSetcc looks back through flag-preserving instructions
// for a setcc into the compared register, meaning the original
// comparison flags are still valid.
func flagsFromSetcc(out []x86.Instr, cmp x86.Arg) (string, bool) {
	r, ok := cmp.(x86.Reg)
	if !ok {
		return "", false
	}

	regs := map[x86.Reg]bool{r: true}
	mems := map[x86.Mem]bool{}

	track := func(a x86.Arg) bool {
		switch a := a.(type) {
		case x86.Reg:
			return regs[a]
		case x86.Mem:
			return mems[a]
		default:
			return false
		}
	}

	add := func(a x86.Arg) bool {
		switch a := a.(type) {
		case x86.Reg:
			regs[a] = true
		case x86.Mem:
			mems[a] = true
		default:
			return false
		}

		return true
	}

	for i := len(out) - 1; i >= 0 && i >= len(out)-8; i-- {
		switch x := out[i].(type) {
		case x86.Setcc:
			if regs[x.Dst] {
				return x.Cond, true
			}

			return "", false
		case x86.Mov:
			if track(x.Dst) {
				if !add(x.Src) {
					return "", false
				}
			}
		case x86.Movzx:
			if regs[x.Dst] {
				if !add(x.Src) {
					return "", false
				}
			}
		case x86.Lea, x86.Label:
			continue
		default:
			return "", false
		}
	}

	return "", false
}

// isRegUsedAfter is conservative: scanning stops at control flow
// and reports used.
func isRegUsedAfter(asm []x86.Instr, from int, r x86.Reg) bool {
	reads := func(a x86.Arg) bool {
		switch a := a.(type) {
		case x86.Reg:
			return a == r
		case x86.Mem:
			return a.Base == r || a.Index == r
		default:
			return false
		}
	}

	for i := from; i < len(asm); i++ {
		switch x := asm[i].(type) {
		case x86.Mov:
			if reads(x.Src) {
				return true
			}

			if d, ok := x.Dst.(x86.Reg); ok && d == r && x.Size == 8 {
				return false // fully overwritten
			}

			if reads(x.Dst) {
				return true
			}
		case x86.ALU:
			if reads(x.Src) || reads(x.Dst) {
				return true
			}
		case x86.Lea:
			if x.Dst == r {
				return false
			}

			if reads(x.Src) {
				return true
			}
		case x86.Label, x86.Jmp, x86.Jcc, x86.Call, x86.CallReg, x86.Ret:
			return true
		default:
			return true
		}
	}

	return true
}
