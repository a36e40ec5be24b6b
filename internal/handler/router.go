package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/daixin877889/lexseek-settlement/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// уведомления шлюза подписаны шлюзом, cookie пользователя там нет
		r.Post("/payments/notify/{channel}", h.PaymentNotify)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{orderNo}", h.GetOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)

			r.Post("/payments", h.CreatePayment)
			r.Get("/payments/{transactionNo}", h.GetTransaction)

			r.Get("/points/balance", h.GetPointsBalance)
			r.Get("/points/records", h.GetPointRecords)
			r.Post("/points/consume", h.ConsumePoints)

			r.Get("/memberships/upgrade/quote", h.QuoteUpgrade)
			r.Post("/memberships/upgrade", h.RequestUpgrade)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Message: "not found", Code: "NOT_FOUND"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Message: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	return r
}
