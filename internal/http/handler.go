package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/delegation"
	"EnergyRental/internal/events"
	"EnergyRental/internal/models"
	"EnergyRental/internal/payments"
	"EnergyRental/internal/risk"
	"EnergyRental/internal/services"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	Orders      *services.OrderService
	Payments    *payments.Monitor
	Delegations *delegation.Orchestrator
	Risk        *risk.Assessor
	Events      *events.Hub
	Log         *zap.SugaredLogger
}

type orderResponse struct {
	OrderID          string     `json:"order_id"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	EnergyAmount     int64      `json:"energy_amount"`
	DurationHours    int        `json:"duration_hours"`
	PriceSun         int64      `json:"price_sun"`
	RecipientAddress string     `json:"recipient_address"`
	PaymentAddress   string     `json:"payment_address"`
	PaymentAmount    *int64     `json:"payment_amount,omitempty"`
	PaymentTxID      *string    `json:"payment_tx_id,omitempty"`
	DelegationTxID   *string    `json:"delegation_tx_id,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	ExpiresAt        string     `json:"expires_at"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	CreatedAt        string     `json:"created_at"`
	UpdatedAt        string     `json:"updated_at"`
}

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		OrderID:          o.OrderID,
		UserID:           o.UserID,
		Status:           string(o.Status),
		EnergyAmount:     o.EnergyAmount,
		DurationHours:    o.DurationHours,
		PriceSun:         o.PriceSun,
		RecipientAddress: o.RecipientAddress,
		PaymentAddress:   o.PaymentAddress,
		PaymentAmount:    o.PaymentAmount,
		PaymentTxID:      o.PaymentTxID,
		DelegationTxID:   o.DelegationTxID,
		FailureReason:    o.FailureReason,
		ExpiresAt:        o.ExpiresAt.Format(time.RFC3339),
		PaidAt:           o.PaidAt,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        o.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req services.CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-Id")
	}

	order, err := h.Orders.CreateOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.Payments.CreatePaymentMonitor(r.Context(), order.OrderID, order.PriceSun, order.PaymentAddress); err != nil {
		// The expiry sweep still closes the order if nobody pays.
		h.Log.Errorw("start payment monitor", "order_id", order.OrderID, "error", err)
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrderByID(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) SearchOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.OrderFilter{
		UserID:  q.Get("user_id"),
		Status:  models.OrderStatus(q.Get("status")),
		Address: q.Get("address"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		h.fail(w, r, err)
		return
	}

	orders, total, err := h.Orders.SearchOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		items = append(items, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": items, "total": total})
}

func (h *Handler) OrderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Orders.GetOrderStats(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	byStatus := map[string]int64{}
	for s, n := range stats.ByStatus {
		byStatus[string(s)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":           stats.Total,
		"by_status":       byStatus,
		"energy_rented":   stats.EnergyRented,
		"revenue_sun":     stats.RevenueSun,
		"pending_revenue": stats.PendingRevenue,
	})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.CancelOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Payments.CheckPaymentStatus(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"order": toOrderResponse(st.Order), "polling": st.Polling}
	if st.Monitor != nil {
		resp["monitor"] = map[string]any{
			"status":          st.Monitor.Status,
			"expected_amount": st.Monitor.ExpectedAmount,
			"address":         st.Monitor.Address,
			"started_at":      st.Monitor.StartedAt,
			"last_polled_at":  st.Monitor.LastPolledAt,
			"matched_tx_id":   st.Monitor.MatchedTxID,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmRequest struct {
	TxID string `json:"tx_id"`
	// Amount is only used by the payment-confirmed callback.
	Amount int64 `json:"amount"`
}

// ConfirmPayment is the operator path: the tx is checked on-chain and the
// order's price is taken as the paid amount.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.Payments.ConfirmPaymentManually(r.Context(), chi.URLParam(r, "orderId"), req.TxID)
	h.writeOrderResult(w, r, order, err)
}

// PaymentConfirmed accepts a payment observed by an external watcher.
func (h *Handler) PaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.Orders.HandlePaymentConfirmed(r.Context(), chi.URLParam(r, "orderId"), req.TxID, req.Amount)
	h.writeOrderResult(w, r, order, err)
}

// writeOrderResult reports a paid order whose delegation failed with the
// order in the body alongside the error.
func (h *Handler) writeOrderResult(w http.ResponseWriter, r *http.Request, order *models.Order, err error) {
	if err != nil && order != nil {
		h.Log.Warnw("payment recorded, delegation failed", "order_id", order.OrderID, "error", err)
		writeJSON(w, apperr.HTTPStatus(err), map[string]any{
			"error": err.Error(),
			"kind":  apperr.Kind(err),
			"order": toOrderResponse(order),
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type riskRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
}

func (h *Handler) AssessRisk(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Risk.AssessRisk(r.Context(), req.OrderID, req.UserID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ExecuteDelegation(w http.ResponseWriter, r *http.Request) {
	grant, err := h.Delegations.ExecuteDelegation(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *Handler) UserDelegations(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Delegations.GetUserDelegations(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if grants == nil {
		grants = []*models.DelegationGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (h *Handler) GetGrant(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Delegations.GetGrant(r.Context(), chi.URLParam(r, "grantId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) ExpireGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "grantId")
	if err := h.Delegations.HandleDelegationExpiry(r.Context(), grantID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetGrant(w, r)
}

func (h *Handler) ReconcileGrant(w http.ResponseWriter, r *http.Request) {
	if err := h.Delegations.ReconcileGrant(r.Context(), chi.URLParam(r, "grantId")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetGrant(w, r)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, apperr.Kind(err), err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return false
	}
	return true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number: %w", v, apperr.ErrValidation)
	}
	return n, nil
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%q is not an RFC3339 time: %w", v, apperr.ErrValidation)
	}
	return &t, nil
}
