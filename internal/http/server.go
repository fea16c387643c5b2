package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/logging"
	"EnergyRental/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type HealthChecker interface {
	Health(ctx context.Context) error
}

type Server struct {
	Router *chi.Mux
}

// NewServer wires the routes. Operator routes require adminToken as a
// bearer token; with an empty token they are not mounted.
func NewServer(handler *Handler, health HealthChecker, adminToken string) *Server {
	handler.Log = logging.OrNop(handler.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(handler.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := health.Health(ctx); err != nil {
				writeJSON(w, http.StatusOK, map[string]string{"status": "degraded", "chain": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", handler.Stream)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", handler.CreateOrder)
		r.Get("/orders", handler.SearchOrders)
		r.Get("/orders/stats", handler.OrderStats)
		r.Get("/orders/{orderId}", handler.GetOrder)
		r.Post("/orders/{orderId}/cancel", handler.CancelOrder)
		r.Get("/orders/{orderId}/payment", handler.PaymentStatus)
		r.Get("/users/{userId}/delegations", handler.UserDelegations)
		r.Get("/grants/{grantId}", handler.GetGrant)

		if adminToken == "" {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(requireToken(adminToken))
			r.Post("/orders/{orderId}/payment/confirm", handler.ConfirmPayment)
			r.Post("/orders/{orderId}/payment/confirmed", handler.PaymentConfirmed)
			r.Post("/orders/{orderId}/delegate", handler.ExecuteDelegation)
			r.Post("/risk", handler.AssessRisk)
			r.Post("/grants/{grantId}/expire", handler.ExpireGrant)
			r.Post("/grants/{grantId}/reconcile", handler.ReconcileGrant)
		})
	})

	return &Server{Router: r}
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, apperr.Kind(apperr.ErrUnauthorized), "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
