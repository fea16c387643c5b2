package pricing

import (
	"context"
	"fmt"

	"EnergyRental/internal/apperr"

	"github.com/shopspring/decimal"
)

type Service struct {
	SunPerEnergyHour decimal.Decimal
}

func New(sunPerEnergyHour string) (Service, error) {
	rate, err := decimal.NewFromString(sunPerEnergyHour)
	if err != nil {
		return Service{}, fmt.Errorf("pricing rate %q: %w", sunPerEnergyHour, err)
	}
	if !rate.IsPositive() {
		return Service{}, fmt.Errorf("pricing rate must be positive, got %s", rate)
	}
	return Service{SunPerEnergyHour: rate}, nil
}

type Quote struct {
	PriceSun         int64  `json:"price_sun"`
	SunPerEnergyHour string `json:"sun_per_energy_hour"`
	Source           string `json:"source"`
}

// Quote prices energy for the given number of hours, rounded up to a whole sun.
func (s Service) Quote(ctx context.Context, energy int64, hours int) (Quote, error) {
	if energy <= 0 || hours <= 0 {
		return Quote{}, fmt.Errorf("quote for %d energy over %dh: %w", energy, hours, apperr.ErrValidation)
	}
	price := decimal.NewFromInt(energy).
		Mul(decimal.NewFromInt(int64(hours))).
		Mul(s.SunPerEnergyHour).
		Ceil()
	if !price.IsPositive() {
		price = decimal.NewFromInt(1)
	}
	return Quote{
		PriceSun:         price.IntPart(),
		SunPerEnergyHour: s.SunPerEnergyHour.String(),
		Source:           "fixed",
	}, nil
}
