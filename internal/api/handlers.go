/**
 * @description
 * This file contains the HTTP handlers for the exchange flow. Handlers parse
 * the request, call the engines, translate the engine error taxonomy onto
 * HTTP status codes and write the JSON response. They never mutate domain
 * state themselves.
 *
 * Status mapping: authorization failures are 403, state and conflict
 * failures are 409 (the client is expected to re-fetch and re-render; the
 * other party acting concurrently is the norm in a two-party protocol),
 * missing entities are 404, rate limiting is 429.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/app"
	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

// ExchangeHandlers holds the application service that handlers will use.
type ExchangeHandlers struct {
	service *app.Service
}

// NewExchangeHandlers creates a new instance of ExchangeHandlers.
func NewExchangeHandlers(service *app.Service) *ExchangeHandlers {
	return &ExchangeHandlers{service: service}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps the engine error taxonomy onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotSeller),
		errors.Is(err, app.ErrNotBuyer),
		errors.Is(err, app.ErrNotParticipant),
		errors.Is(err, app.ErrOwnItem):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrRequestNotPending),
		errors.Is(err, app.ErrTransactionTerminal),
		errors.Is(err, app.ErrActiveRequestExists),
		errors.Is(err, store.ErrDuplicateLiveTransaction):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrBuyRequestNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("level=error component=api msg=\"engine call failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "could not get user id from context")
		return uuid.Nil, false
	}
	return userID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

// CreateProposalHandler handles POST /proposals.
func (h *ExchangeHandlers) CreateProposalHandler(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var payload domain.CreateBuyRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if payload.ItemID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	req, err := h.service.Propose(r.Context(), buyerID, payload)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetProposalHandler handles GET /proposals/{id}.
func (h *ExchangeHandlers) GetProposalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.GetBuyRequest(r.Context(), requestID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AcceptProposalHandler handles PATCH /proposals/{id}/accept. The response
// carries both the accepted request and the transaction the acceptance
// created.
func (h *ExchangeHandlers) AcceptProposalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.Accept(r.Context(), requestID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectProposalHandler handles PATCH /proposals/{id}/reject.
func (h *ExchangeHandlers) RejectProposalHandler(w http.ResponseWriter, r *http.Request) {
	h.finalizeProposal(w, r, h.service.Reject)
}

// CancelProposalHandler handles PATCH /proposals/{id}/cancel.
func (h *ExchangeHandlers) CancelProposalHandler(w http.ResponseWriter, r *http.Request) {
	h.finalizeProposal(w, r, h.service.CancelRequest)
}

func (h *ExchangeHandlers) finalizeProposal(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, requestID, actorID uuid.UUID) (*domain.BuyRequest, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := op(r.Context(), requestID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CreateTransactionHandler handles POST /transactions: scheduling a meetup
// without a prior proposal.
func (h *ExchangeHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var payload domain.CreateTransactionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if payload.ItemID == uuid.Nil || payload.ConversationID == uuid.Nil || payload.BuyerID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "item_id, conversation_id and buyer_id are required")
		return
	}

	t, err := h.service.CreateTransaction(r.Context(), userID, payload)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// UpdateMeetupHandler handles PATCH /transactions/{id}.
func (h *ExchangeHandlers) UpdateMeetupHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	transactionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var payload domain.UpdateMeetupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	t, err := h.service.SetMeetup(r.Context(), transactionID, userID, payload)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ConfirmCompletionHandler handles PATCH /transactions/{id}/confirm-completion.
func (h *ExchangeHandlers) ConfirmCompletionHandler(w http.ResponseWriter, r *http.Request) {
	h.confirmTransaction(w, r, h.service.ConfirmCompletion)
}

// ConfirmCancellationHandler handles PATCH /transactions/{id}/confirm-cancellation.
func (h *ExchangeHandlers) ConfirmCancellationHandler(w http.ResponseWriter, r *http.Request) {
	h.confirmTransaction(w, r, h.service.ConfirmCancellation)
}

func (h *ExchangeHandlers) confirmTransaction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, transactionID, actorID uuid.UUID) (*domain.Transaction, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	transactionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := op(r.Context(), transactionID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetTransactionHandler handles GET /transactions/{id}.
func (h *ExchangeHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	transactionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.service.GetTransaction(r.Context(), transactionID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTransactionsByConversationHandler handles
// GET /transactions/by-conversation/{conversationID}.
func (h *ExchangeHandlers) ListTransactionsByConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	list, err := h.service.GetTransactionsByConversation(r.Context(), conversationID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if list == nil {
		list = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}
