/**
 * @description
 * This file sets up the HTTP router for the exchange service. It defines the
 * API endpoints, associates them with their handlers, and applies the
 * standard middleware stack plus bearer-token authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/campusthrift/exchange-service/internal/gateway"
)

// ExchangeRoutes creates and returns the router for the exchange service.
// The websocket endpoint performs its own credential check during the
// handshake (browser clients cannot set headers on upgrade requests), so it
// sits outside the auth group.
func ExchangeRoutes(h *ExchangeHandlers, gw *gateway.Gateway, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Get("/ws", gw.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/proposals", h.CreateProposalHandler)
		r.Get("/proposals/{id}", h.GetProposalHandler)
		r.Patch("/proposals/{id}/accept", h.AcceptProposalHandler)
		r.Patch("/proposals/{id}/reject", h.RejectProposalHandler)
		r.Patch("/proposals/{id}/cancel", h.CancelProposalHandler)

		r.Post("/transactions", h.CreateTransactionHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Get("/transactions/by-conversation/{conversationID}", h.ListTransactionsByConversationHandler)
		r.Patch("/transactions/{id}", h.UpdateMeetupHandler)
		r.Patch("/transactions/{id}/confirm-completion", h.ConfirmCompletionHandler)
		r.Patch("/transactions/{id}/confirm-cancellation", h.ConfirmCancellationHandler)
	})

	return r
}
