/**
 * @description
 * This file implements the proposal engine: the BuyRequest state machine.
 * A buyer proposes to purchase an item; the seller accepts or rejects it, or
 * the buyer withdraws it while still pending. Accepting atomically creates
 * the transaction that the two parties then drive to completion.
 *
 * State machine: pending -> accepted | rejected | cancelled. pending is the
 * only mutable state.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

// Propose creates a pending buy request from buyerID for the payload's item.
// It fails with ErrActiveRequestExists when another request for the same
// (buyer, item) pair is still active, and with ErrOwnItem when the buyer owns
// the item. When no conversation id is supplied, one is resolved or created
// through the conversation store.
func (s *Service) Propose(ctx context.Context, buyerID uuid.UUID, payload domain.CreateBuyRequestPayload) (*domain.BuyRequest, error) {
	if s.limiter != nil && s.proposalLimitPerMin > 0 {
		count, _, err := s.limiter.ConsumeRateLimit(ctx, "proposal_create", buyerID.String(), s.proposalLimitPerMin, time.Minute)
		if err != nil {
			// A broken limiter must not take proposals down with it.
			log.Printf("level=warn component=engine msg=\"proposal rate limiter unavailable\" buyer_id=%s err=%v", buyerID, err)
		} else if count > s.proposalLimitPerMin {
			return nil, ErrRateLimited
		}
	}

	sellerID, err := s.catalog.GetItemOwner(ctx, payload.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item owner: %w", err)
	}
	if sellerID == buyerID {
		return nil, ErrOwnItem
	}

	// Resolve the conversation before taking the entity lock; the lock must
	// not be held across network calls.
	conversationID := uuid.Nil
	if payload.ConversationID != nil {
		conversationID = *payload.ConversationID
	} else {
		if s.convo == nil {
			return nil, fmt.Errorf("conversation_id is required when no conversation store is configured")
		}
		conversationID, err = s.convo.ResolveOrCreate(ctx, buyerID, sellerID, payload.ItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve conversation: %w", err)
		}
	}

	req := &domain.BuyRequest{
		ID:             uuid.New(),
		ItemID:         payload.ItemID,
		BuyerID:        buyerID,
		SellerID:       sellerID,
		ConversationID: conversationID,
		Status:         domain.BuyRequestPending,
		CreatedAt:      s.now().UTC(),
	}

	key := proposeLockKey(buyerID, payload.ItemID)
	s.locks.Lock(key)
	existing, err := s.repo.FindActiveBuyRequest(ctx, buyerID, payload.ItemID)
	if err != nil && !errors.Is(err, store.ErrBuyRequestNotFound) {
		s.locks.Unlock(key)
		return nil, fmt.Errorf("failed to check for active buy request: %w", err)
	}
	if existing != nil {
		s.locks.Unlock(key)
		return nil, fmt.Errorf("%w: request %s is %s", ErrActiveRequestExists, existing.ID, existing.Status)
	}
	if err := s.repo.CreateBuyRequest(ctx, req); err != nil {
		s.locks.Unlock(key)
		return nil, err
	}
	s.locks.Unlock(key)

	s.postSystemMessage(ctx, conversationID, "Buyer sent a request to buy this item.", buyerID, sellerID)
	s.emit(ctx, domain.BuyRequestEvent(req))
	return req, nil
}

// Accept transitions a pending request to accepted and creates its
// transaction. Only the seller may accept. The two writes commit in one
// database transaction: no reader ever sees an accepted request without its
// in_progress transaction.
func (s *Service) Accept(ctx context.Context, requestID, actorID uuid.UUID) (*domain.AcceptBuyRequestResult, error) {
	key := buyRequestLockKey(requestID)
	s.locks.Lock(key)
	result, err := s.acceptLocked(ctx, requestID, actorID)
	s.locks.Unlock(key)
	if err != nil {
		return nil, err
	}

	s.postSystemMessage(ctx, result.Request.ConversationID, "Seller accepted the buy request. Arrange a meetup to complete the sale.",
		result.Request.BuyerID, result.Request.SellerID)
	s.emit(ctx, domain.BuyRequestEvent(result.Request))
	s.emit(ctx, domain.TransactionEvent(domain.EventTransactionCreated, result.Transaction))
	return result, nil
}

func (s *Service) acceptLocked(ctx context.Context, requestID, actorID uuid.UUID) (*domain.AcceptBuyRequestResult, error) {
	req, err := s.repo.FindBuyRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actorID != req.SellerID {
		return nil, ErrNotSeller
	}
	if req.Status != domain.BuyRequestPending {
		return nil, fmt.Errorf("%w: status is %s", ErrRequestNotPending, req.Status)
	}

	respondedAt := s.now().UTC()
	requestIDCopy := req.ID
	tx := &domain.Transaction{
		ID:             uuid.New(),
		ItemID:         req.ItemID,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		ConversationID: req.ConversationID,
		BuyRequestID:   &requestIDCopy,
		Status:         domain.TransactionInProgress,
		CreatedAt:      respondedAt,
	}

	if err := s.repo.AcceptBuyRequest(ctx, req.ID, respondedAt, tx); err != nil {
		return nil, err
	}

	req.Status = domain.BuyRequestAccepted
	req.RespondedAt = &respondedAt
	return &domain.AcceptBuyRequestResult{Request: req, Transaction: tx}, nil
}

// Reject transitions a pending request to rejected. Only the seller may
// reject. No transaction is created.
func (s *Service) Reject(ctx context.Context, requestID, actorID uuid.UUID) (*domain.BuyRequest, error) {
	return s.finalizeRequest(ctx, requestID, actorID, domain.BuyRequestRejected,
		"Seller declined the buy request.")
}

// CancelRequest transitions a pending request to cancelled. Only the buyer
// may cancel, and only while the request is still pending.
func (s *Service) CancelRequest(ctx context.Context, requestID, actorID uuid.UUID) (*domain.BuyRequest, error) {
	return s.finalizeRequest(ctx, requestID, actorID, domain.BuyRequestCancelled,
		"Buyer withdrew the buy request.")
}

func (s *Service) finalizeRequest(ctx context.Context, requestID, actorID uuid.UUID, status, note string) (*domain.BuyRequest, error) {
	key := buyRequestLockKey(requestID)
	s.locks.Lock(key)
	req, err := s.finalizeRequestLocked(ctx, requestID, actorID, status)
	s.locks.Unlock(key)
	if err != nil {
		return nil, err
	}

	s.postSystemMessage(ctx, req.ConversationID, note, req.BuyerID, req.SellerID)
	s.emit(ctx, domain.BuyRequestEvent(req))
	return req, nil
}

func (s *Service) finalizeRequestLocked(ctx context.Context, requestID, actorID uuid.UUID, status string) (*domain.BuyRequest, error) {
	req, err := s.repo.FindBuyRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch status {
	case domain.BuyRequestRejected:
		if actorID != req.SellerID {
			return nil, ErrNotSeller
		}
	case domain.BuyRequestCancelled:
		if actorID != req.BuyerID {
			return nil, ErrNotBuyer
		}
	}
	if req.Status != domain.BuyRequestPending {
		return nil, fmt.Errorf("%w: status is %s", ErrRequestNotPending, req.Status)
	}

	respondedAt := s.now().UTC()
	if err := s.repo.UpdateBuyRequestStatus(ctx, req.ID, status, respondedAt); err != nil {
		return nil, err
	}
	req.Status = status
	req.RespondedAt = &respondedAt
	return req, nil
}

// GetBuyRequest returns a buy request visible only to its participants.
func (s *Service) GetBuyRequest(ctx context.Context, requestID, actorID uuid.UUID) (*domain.BuyRequest, error) {
	req, err := s.repo.FindBuyRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actorID != req.BuyerID && actorID != req.SellerID {
		return nil, ErrNotParticipant
	}
	return req, nil
}

func proposeLockKey(buyerID, itemID uuid.UUID) string {
	return "propose:" + buyerID.String() + ":" + itemID.String()
}

func buyRequestLockKey(requestID uuid.UUID) string {
	return "buyreq:" + requestID.String()
}
