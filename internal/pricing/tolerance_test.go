package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToleranceBand(t *testing.T) {
	t.Parallel()
	tol := Tolerance{Bps: 500}

	tests := []struct {
		actual int64
		within bool
		covers bool
	}{
		{actual: 9400, within: false, covers: false},
		{actual: 9499, within: false, covers: false},
		{actual: 9500, within: true, covers: true},
		{actual: 10000, within: true, covers: true},
		{actual: 10500, within: true, covers: true},
		{actual: 10501, within: false, covers: true},
		{actual: 10600, within: false, covers: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.within, tol.Within(10000, tt.actual), "within %d", tt.actual)
		assert.Equal(t, tt.covers, tol.Covers(10000, tt.actual), "covers %d", tt.actual)
	}
}

func TestToleranceSmallAmounts(t *testing.T) {
	t.Parallel()
	tol := Tolerance{Bps: 500}

	// 5% of 10 sun is half a sun; the band is not rounded.
	assert.True(t, tol.Within(10, 10))
	assert.False(t, tol.Within(10, 9))
	assert.False(t, tol.Within(10, 11))
	assert.True(t, Tolerance{}.Within(10, 10))
	assert.False(t, Tolerance{}.Within(10, 11))
}
