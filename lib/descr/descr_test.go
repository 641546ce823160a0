package descr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	d, err := New(7, 10, 20, ModeWrite)
	require.NoError(t, err)
	assert.Equal(t, Descr{Obj: 7, Start: 10, End: 20, Mode: ModeWrite}, d)

	_, err = New(7, 21, 20, ModeRead)
	assert.Error(t, err)
}

func TestModeMatch(t *testing.T) {
	assert.True(t, ModeMatch(ModeRead, ModeRead))
	assert.True(t, ModeMatch(ModeWrite, ModeWrite))
	assert.True(t, ModeMatch(ModeWrite, ModeRead))
	assert.False(t, ModeMatch(ModeRead, ModeWrite))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("write")
	require.NoError(t, err)
	assert.Equal(t, ModeWrite, m)

	m, err = ParseMode("r")
	require.NoError(t, err)
	assert.Equal(t, ModeRead, m)

	_, err = ParseMode("exclusive")
	assert.Error(t, err)
}

func TestExtMatch(t *testing.T) {
	has := Descr{Obj: 1, Start: 0, End: 99, Mode: ModeWrite}

	tests := []struct {
		name string
		need Descr
		want bool
	}{
		{"same extent", Descr{Obj: 1, Start: 0, End: 99, Mode: ModeWrite}, true},
		{"inner extent read", Descr{Obj: 1, Start: 10, End: 20, Mode: ModeRead}, true},
		{"past end", Descr{Obj: 1, Start: 50, End: 100, Mode: ModeRead}, false},
		{"other object", Descr{Obj: 2, Start: 0, End: 10, Mode: ModeRead}, false},
		{"to EOF", Descr{Obj: 1, Start: 0, End: EOF, Mode: ModeRead}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtMatch(has, tt.need))
		})
	}

	// a read lock never serves a write request
	assert.False(t, ExtMatch(Descr{Obj: 1, End: EOF, Mode: ModeRead}, Descr{Obj: 1, End: 5, Mode: ModeWrite}))
}

func TestConflicts(t *testing.T) {
	r1 := Descr{Obj: 1, Start: 0, End: 10, Mode: ModeRead}
	r2 := Descr{Obj: 1, Start: 5, End: 15, Mode: ModeRead}
	w := Descr{Obj: 1, Start: 10, End: 12, Mode: ModeWrite}
	far := Descr{Obj: 1, Start: 100, End: EOF, Mode: ModeWrite}

	assert.False(t, r1.Conflicts(r2))
	assert.True(t, r1.Conflicts(w))
	assert.True(t, w.Conflicts(r2))
	assert.False(t, w.Conflicts(far))
	assert.False(t, w.Conflicts(Descr{Obj: 2, Start: 10, End: 12, Mode: ModeWrite}))
}

func TestHullAndPages(t *testing.T) {
	a := Descr{Obj: 3, Start: 10, End: 20, Mode: ModeRead}
	b := Descr{Obj: 3, Start: 5, End: 15, Mode: ModeWrite}

	h := a.Hull(b)
	assert.Equal(t, Descr{Obj: 3, Start: 5, End: 20, Mode: ModeRead}, h)
	assert.Equal(t, uint64(16), h.Pages())
	assert.Equal(t, uint64(math.MaxUint64), Whole(3, ModeRead).Pages())
}

func TestString(t *testing.T) {
	assert.Equal(t, "4:W[0-EOF]", Whole(4, ModeWrite).String())
	assert.Equal(t, "4:R[1-2]", Descr{Obj: 4, Start: 1, End: 2}.String())
}
