package models

import "time"

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderPaid       OrderStatus = "paid"
	OrderProcessing OrderStatus = "processing"
	OrderActive     OrderStatus = "active"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderExpired    OrderStatus = "expired"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderPaid, OrderCancelled, OrderExpired},
	OrderPaid:       {OrderProcessing, OrderFailed},
	OrderProcessing: {OrderActive, OrderFailed},
	OrderActive:     {OrderCompleted},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderProcessing, OrderActive,
		OrderCompleted, OrderFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

var AllOrderStatuses = []OrderStatus{
	OrderPending, OrderPaid, OrderProcessing, OrderActive,
	OrderCompleted, OrderFailed, OrderCancelled, OrderExpired,
}

// Order amounts are integers: energy units and sun.
type Order struct {
	OrderID          string
	UserID           string
	EnergyAmount     int64
	DurationHours    int
	PriceSun         int64
	RecipientAddress string
	Status           OrderStatus
	PaymentAddress   string
	DerivationIndex  *int64
	PaymentAmount    *int64
	PaymentTxID      *string
	DelegationTxID   *string
	FailureReason    *string
	ExpiresAt        time.Time
	PaidAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderPatch carries the reference fields a status write may stamp.
// Nil fields are left untouched.
type OrderPatch struct {
	PaymentAmount  *int64
	PaymentTxID    *string
	PaidAt         *time.Time
	DelegationTxID *string
	FailureReason  *string
}

func (p OrderPatch) Apply(o *Order) {
	if p.PaymentAmount != nil {
		o.PaymentAmount = p.PaymentAmount
	}
	if p.PaymentTxID != nil {
		o.PaymentTxID = p.PaymentTxID
	}
	if p.PaidAt != nil {
		o.PaidAt = p.PaidAt
	}
	if p.DelegationTxID != nil {
		o.DelegationTxID = p.DelegationTxID
	}
	if p.FailureReason != nil {
		o.FailureReason = p.FailureReason
	}
}

type OrderFilter struct {
	UserID  string
	Status  OrderStatus
	Address string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

type OrderStats struct {
	Total          int64
	ByStatus       map[OrderStatus]int64
	EnergyRented   int64
	RevenueSun     int64
	PendingRevenue int64
}

// UserActivity summarises a user's ordering history for risk scoring.
type UserActivity struct {
	TotalOrders     int64
	RecentOrders    int64
	RecentFailed    int64
	RecentCancelled int64
	FirstOrderAt    *time.Time
}

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	// GrantFailed marks a grant recorded after a partial delegation failure.
	// Its issued delegations await operator reconciliation.
	GrantFailed GrantStatus = "failed"
)

type Delegation struct {
	AccountID     string `json:"account_id"`
	SourceAddress string `json:"source_address"`
	TxID          string `json:"tx_id"`
	EnergyAmount  int64  `json:"energy_amount"`
}

type DelegationGrant struct {
	GrantID          string       `json:"grant_id"`
	OrderID          string       `json:"order_id"`
	UserID           string       `json:"user_id"`
	RecipientAddress string       `json:"recipient_address"`
	EnergyAmount     int64        `json:"energy_amount"`
	DurationHours    int          `json:"duration_hours"`
	ReservationToken string       `json:"-"`
	Delegations      []Delegation `json:"delegations"`
	Status           GrantStatus  `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type TxDirection string

const (
	TxDelegate   TxDirection = "delegate"
	TxUndelegate TxDirection = "undelegate"
)

type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxPending   TxStatus = "pending"
	TxFailed    TxStatus = "failed"
)

type ResourceTransaction struct {
	ID            string      `json:"id"`
	GrantID       string      `json:"grant_id"`
	AccountID     string      `json:"account_id"`
	SourceAddress string      `json:"source_address"`
	TxID          string      `json:"tx_id,omitempty"`
	EnergyAmount  int64       `json:"energy_amount"`
	StakeSun      int64       `json:"stake_sun"`
	Direction     TxDirection `json:"direction"`
	Status        TxStatus    `json:"status"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type MonitorStatus string

const (
	MonitorActive    MonitorStatus = "monitoring"
	MonitorMatched   MonitorStatus = "matched"
	MonitorTimedOut  MonitorStatus = "timed_out"
	MonitorCancelled MonitorStatus = "cancelled"
)

type PaymentMonitor struct {
	OrderID        string
	ExpectedAmount int64
	Address        string
	Status         MonitorStatus
	PollInterval   time.Duration
	Timeout        time.Duration
	StartedAt      time.Time
	LastPolledAt   *time.Time
	MatchedTxID    *string
	MatchedAmount  *int64
	UpdatedAt      time.Time
}

type PoolAccount struct {
	AccountID       string
	Address         string
	Priority        int
	AvailableEnergy int64
	ReservedEnergy  int64
	Enabled         bool
	UpdatedAt       time.Time
}

// Free is the energy that can still be reserved.
func (a PoolAccount) Free() int64 {
	return a.AvailableEnergy - a.ReservedEnergy
}

type ReservationStatus string

const (
	ReservationLive      ReservationStatus = "live"
	ReservationReleased  ReservationStatus = "released"
	ReservationConfirmed ReservationStatus = "confirmed"
)

type Reservation struct {
	Token     string
	AccountID string
	Amount    int64
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
