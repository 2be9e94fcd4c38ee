package ranges

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsert(t *testing.T) {
	tests := []struct {
		name  string
		start Ranges
		add   Range
		want  Ranges
	}{
		{"into empty", nil, Range{0, 4}, Ranges{{0, 4}}},
		{"disjoint after", Ranges{{0, 4}}, Range{10, 12}, Ranges{{0, 4}, {10, 12}}},
		{"disjoint before", Ranges{{10, 12}}, Range{0, 4}, Ranges{{0, 4}, {10, 12}}},
		{"contiguous", Ranges{{0, 4}}, Range{4, 8}, Ranges{{0, 8}}},
		{"within tolerance", Ranges{{0, 4}}, Range{4.01, 8}, Ranges{{0, 8}}},
		{"bridges two", Ranges{{0, 4}, {8, 12}}, Range{3, 9}, Ranges{{0, 12}}},
		{"empty range ignored", Ranges{{0, 4}}, Range{5, 5}, Ranges{{0, 4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.start.Insert(tt.add))
		})
	}
}

func TestExclude(t *testing.T) {
	base := []Range{{0, 10}, {20, 30}}

	t.Run("middle cut", func(t *testing.T) {
		got := Exclude(base, []Range{{4, 6}})
		assert.Equal(t, Ranges{{0, 4}, {6, 10}, {20, 30}}, got)
	})

	t.Run("open ended", func(t *testing.T) {
		got := Exclude(base, []Range{{25, math.Inf(1)}})
		assert.Equal(t, Ranges{{0, 10}, {20, 25}}, got)
	})

	t.Run("everything", func(t *testing.T) {
		got := Exclude(base, []Range{{0, 5}, {5, 40}})
		assert.Empty(t, got)
	})
}

func TestRangesQueries(t *testing.T) {
	rs := Ranges{{0, 10}, {20, 30}}

	assert.True(t, rs.Contains(5))
	assert.False(t, rs.Contains(15))
	assert.False(t, rs.Contains(10), "ranges are half-open")

	assert.InDelta(t, 7.0, rs.GapAhead(3), 1e-9)
	assert.Equal(t, 0.0, rs.GapAhead(15))

	assert.Equal(t, Ranges{{5, 10}, {20, 22}}, rs.Intersect(Range{5, 22}))
	assert.Equal(t, Ranges{{0, 10}, {25, 30}}, rs.Remove(20, 25))
}
