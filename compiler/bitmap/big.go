package bitmap

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Big is a dense growable bit set. The zero slot is inlined
	// so small sets stay allocation free.
	Big struct {
		b  []uint64
		b0 [1]uint64
	}
)

func Make() Big {
	s := Big{}
	s.b = s.b0[:]

	return s
}

func (s *Big) Set(i int) {
	w, j := i/64, i%64

	s.grow(w)

	s.b[w] |= 1 << j
}

func (s Big) Clear(i int) {
	w, j := i/64, i%64

	if w >= len(s.b) {
		return
	}

	s.b[w] &^= 1 << j
}

func (s Big) IsSet(i int) bool {
	w, j := i/64, i%64

	if w >= len(s.b) {
		return false
	}

	return s.b[w]&(1<<j) != 0
}

func (s *Big) Or(x Big) {
	s.grow(len(x.b) - 1)

	for i, w := range x.b {
		s.b[i] |= w
	}
}

func (s Big) AndNot(x Big) {
	for i, w := range x.b {
		if i == len(s.b) {
			break
		}

		s.b[i] &^= w
	}
}

func (s Big) Copy() Big {
	r := Make()
	r.Or(s)

	return r
}

func (s *Big) Size() (r int) {
	if s == nil {
		return 0
	}

	for _, w := range s.b {
		r += bits.OnesCount64(w)
	}

	return r
}

func (s Big) Reset() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (s Big) Range(f func(i int) bool) {
	for i, w := range s.b {
		for w != 0 {
			j := bits.TrailingZeros64(w)
			w &= w - 1

			if !f(i*64 + j) {
				return
			}
		}
	}
}

func (s *Big) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(i int) bool {
		b = e.AppendInt(b, i)

		return true
	})

	return e.AppendBreak(b)
}

func (s *Big) grow(w int) {
	for w >= len(s.b) {
		s.b = append(s.b, 0)
	}
}
