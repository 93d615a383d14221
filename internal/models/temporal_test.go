package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterval(t *testing.T) {
	i := Interval{Low: 5, High: 35}
	assert.Equal(t, 30, i.Len())
	assert.Equal(t, "[5,35)", i.String())
}

func TestTemporalMask(t *testing.T) {
	m := TemporalMask{true, false, true, true, false, true}
	assert.Equal(t, 4, m.Kept())

	s := m.Slice(Interval{Low: 1, High: 4})
	assert.Equal(t, TemporalMask{false, true, true}, s)
	assert.Equal(t, 2, s.Kept())

	s[0] = true
	assert.False(t, m[1], "slice must not alias the mask")
}
