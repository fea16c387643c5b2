package pricing

import (
	"context"
	"testing"

	"EnergyRental/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	t.Parallel()
	svc, err := New("0.004")
	require.NoError(t, err)

	q, err := svc.Quote(context.Background(), 100000, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(9600), q.PriceSun)
	assert.Equal(t, "fixed", q.Source)
	assert.Equal(t, "0.004", q.SunPerEnergyHour)

	q, err = svc.Quote(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.PriceSun)

	_, err = svc.Quote(context.Background(), 0, 1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNewRejectsBadRates(t *testing.T) {
	t.Parallel()
	for _, rate := range []string{"", "abc", "0", "-1"} {
		_, err := New(rate)
		assert.Error(t, err, rate)
	}
}
