package back

import (
	"tlog.app/go/tlog"

	"github.com/mcclang/mcc/src/compiler/bitmap"
	"github.com/mcclang/mcc/src/compiler/ir"
)

type (
	interval struct {
		v     ir.VarID
		start int
		end   int // half open
	}
)

// liveIntervals runs classic per-block use/def dataflow to a
// fixed point and converts the result into half-open linear
// intervals over the instruction positions. Call positions are
// reported so the allocator can keep call-crossing variables out
// of caller-saved registers.
func liveIntervals(f *ir.Func, allocas map[ir.VarID]bool) (map[ir.VarID]*interval, []int) {
	n := len(f.Blocks)

	pos := 0
	blockStart := make([]int, n)
	blockEnd := make([]int, n)

	var calls []int

	for i, b := range f.Blocks {
		blockStart[i] = pos

		for _, x := range b.Instrs {
			switch x.(type) {
			case ir.Call, ir.IndirectCall:
				calls = append(calls, pos)
			}

			pos++
		}

		pos++ // the terminator occupies a position
		blockEnd[i] = pos
	}

	use := make([]bitmap.Big, n)
	def := make([]bitmap.Big, n)

	track := func(v ir.VarID) bool {
		return v >= 0 && !allocas[v]
	}

	for i, b := range f.Blocks {
		use[i] = bitmap.Make()
		def[i] = bitmap.Make()

		visit := func(o *ir.Operand) {
			v, ok := (*o).(ir.Var)
			if !ok || !track(ir.VarID(v)) {
				return
			}

			// use before def only
			if !def[i].IsSet(int(v)) {
				use[i].Set(int(v))
			}
		}

		for _, x := range b.Instrs {
			ir.Operands(x, visit)

			if d := ir.Dst(x); track(d) {
				def[i].Set(int(d))
			}
		}

		if b.Term != nil {
			ir.Operands(b.Term, visit)
		}
	}

	livein := make([]bitmap.Big, n)
	liveout := make([]bitmap.Big, n)

	for i := range livein {
		livein[i] = bitmap.Make()
		liveout[i] = bitmap.Make()
	}

	for {
		changed := false

		for i := n - 1; i >= 0; i-- {
			out := bitmap.Make()

			for _, s := range f.Succs(ir.BlockID(i)) {
				out.Or(livein[s])
			}

			// in = use | (out \ def)
			in := out.Copy()
			in.AndNot(def[i])
			in.Or(use[i])

			if in.Size() != livein[i].Size() || out.Size() != liveout[i].Size() {
				changed = true
			}

			livein[i] = in
			liveout[i] = out
		}

		if !changed {
			break
		}
	}

	intervals := map[ir.VarID]*interval{}

	touch := func(v ir.VarID, p int) {
		iv, ok := intervals[v]
		if !ok {
			intervals[v] = &interval{v: v, start: p, end: p + 1}
			return
		}

		if p < iv.start {
			iv.start = p
		}

		if p+1 > iv.end {
			iv.end = p + 1
		}
	}

	for _, p := range f.Params {
		if track(p.ID) {
			touch(p.ID, 0)
		}
	}

	for i, b := range f.Blocks {
		p := blockStart[i]

		// anything live across the block spans it entirely
		liveout[i].Range(func(v int) bool {
			touch(ir.VarID(v), blockStart[i])
			touch(ir.VarID(v), blockEnd[i]-1)

			return true
		})

		livein[i].Range(func(v int) bool {
			touch(ir.VarID(v), blockStart[i])

			return true
		})

		visit := func(o *ir.Operand) {
			if v, ok := (*o).(ir.Var); ok && track(ir.VarID(v)) {
				touch(ir.VarID(v), p)
			}
		}

		for _, x := range b.Instrs {
			ir.Operands(x, visit)

			if d := ir.Dst(x); track(d) {
				touch(d, p)
			}

			p++
		}

		if b.Term != nil {
			ir.Operands(b.Term, visit)
		}
	}

	tlog.V("liveness").Printw("live intervals", "func", f.Name, "count", len(intervals), "calls", len(calls))

	return intervals, calls
}

func overlap(a, b *interval) bool {
	return a.start < b.end && b.start < a.end
}
