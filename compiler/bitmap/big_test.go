package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndRange(t *testing.T) {
	s := Make()

	s.Set(1)
	s.Set(64)
	s.Set(200)

	assert.True(t, s.IsSet(1))
	assert.True(t, s.IsSet(64))
	assert.False(t, s.IsSet(2))
	assert.False(t, s.IsSet(1000))
	assert.Equal(t, 3, s.Size())

	var got []int

	s.Range(func(i int) bool {
		got = append(got, i)
		return true
	})

	assert.Equal(t, []int{1, 64, 200}, got)
}

func TestOrAndNot(t *testing.T) {
	a, b := Make(), Make()

	a.Set(1)
	a.Set(2)
	b.Set(2)
	b.Set(300)

	c := a.Copy()
	c.Or(b)

	assert.Equal(t, 3, c.Size())

	c.AndNot(b)

	assert.True(t, c.IsSet(1))
	assert.False(t, c.IsSet(2))
	assert.False(t, c.IsSet(300))
}

func TestClearReset(t *testing.T) {
	s := Make()

	s.Set(5)
	s.Clear(5)
	assert.False(t, s.IsSet(5))

	s.Set(7)
	s.Set(100)
	s.Reset()
	assert.Equal(t, 0, s.Size())
}
