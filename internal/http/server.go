// Package http is the JSON API surface over the settlement orchestrator.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/market", func(r chi.Router) {
		r.Post("/orders/sell", handler.Sell)
		r.Post("/orders/{orderId}/buy", handler.Buy)
		r.Post("/orders/{orderId}/cancel", handler.Cancel)
		r.Get("/orders/{orderId}", handler.GetOrder)
		r.Get("/orders", handler.ListOrders)
	})

	return &Server{Router: r}
}
