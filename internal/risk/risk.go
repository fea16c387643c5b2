// Package risk scores a payment against the ordering history of its user.
package risk

import (
	"context"
	"fmt"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"

	"go.uber.org/zap"
)

type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

type Recommendation string

const (
	Approve Recommendation = "approve"
	Review  Recommendation = "review"
	Reject  Recommendation = "reject"
)

// Factor weights; a score is their sum, capped at 100.
const (
	weightUserMismatch   = 40
	weightAmountMismatch = 10
	weightFirstOrder     = 15
	weightVelocity       = 25
	weightFailures       = 20
	weightLargeOrder     = 20
	weightPoolShare      = 15

	mediumScore = 30
	highScore   = 60
)

type Orders interface {
	GetOrderByID(ctx context.Context, orderID string) (*models.Order, error)
}

type History interface {
	UserActivity(ctx context.Context, userID string, since time.Time) (*models.UserActivity, error)
}

type Capacity interface {
	TotalAvailable(ctx context.Context) (int64, error)
}

type Assessment struct {
	RiskLevel      Level          `json:"risk_level"`
	Score          int            `json:"score"`
	Factors        []string       `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}

type Assessor struct {
	Orders           Orders
	History          History
	Pool             Capacity
	LargeOrderEnergy int64
	VelocityPerHour  int64
	Log              *zap.SugaredLogger
	Now              func() time.Time
}

func (a *Assessor) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// AssessRisk scores paying amount sun for the order on behalf of userID.
// An empty orderID scores the user alone.
func (a *Assessor) AssessRisk(ctx context.Context, orderID, userID string, amount int64) (*Assessment, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing user id: %w", apperr.ErrValidation)
	}
	if amount < 0 {
		return nil, fmt.Errorf("negative amount %d: %w", amount, apperr.ErrValidation)
	}

	out := &Assessment{Factors: []string{}}
	add := func(factor string, weight int) {
		out.Factors = append(out.Factors, factor)
		out.Score += weight
	}

	var energy int64
	if orderID != "" {
		order, err := a.Orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		energy = order.EnergyAmount
		if order.UserID != userID {
			add("order_user_mismatch", weightUserMismatch)
		}
		if amount > 0 && amount != order.PriceSun {
			add("amount_differs_from_price", weightAmountMismatch)
		}
	}

	now := a.now()
	week, err := a.History.UserActivity(ctx, userID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	if week.TotalOrders <= 1 {
		add("first_order", weightFirstOrder)
	}
	hour, err := a.History.UserActivity(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if a.VelocityPerHour > 0 && hour.RecentOrders > a.VelocityPerHour {
		add("high_order_velocity", weightVelocity)
	}
	bad := week.RecentFailed + week.RecentCancelled
	if week.RecentOrders >= 2 && 2*bad >= week.RecentOrders {
		add("recent_failures", weightFailures)
	}

	if energy > 0 {
		if a.LargeOrderEnergy > 0 && energy >= a.LargeOrderEnergy {
			add("large_order", weightLargeOrder)
		}
		if a.Pool != nil {
			available, err := a.Pool.TotalAvailable(ctx)
			if err != nil {
				return nil, err
			}
			if 2*energy > available {
				add("large_share_of_pool", weightPoolShare)
			}
		}
	}

	if out.Score > 100 {
		out.Score = 100
	}
	switch {
	case out.Score >= highScore:
		out.RiskLevel, out.Recommendation = High, Reject
	case out.Score >= mediumScore:
		out.RiskLevel, out.Recommendation = Medium, Review
	default:
		out.RiskLevel, out.Recommendation = Low, Approve
	}

	if out.RiskLevel != Low && a.Log != nil {
		a.Log.Infow("elevated payment risk", "order_id", orderID, "user_id", userID,
			"score", out.Score, "factors", out.Factors)
	}
	return out, nil
}
