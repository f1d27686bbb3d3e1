/**
 * @description
 * This file implements the transaction engine: the Transaction state machine
 * with its two-of-two confirmation quorums. Either participant may confirm
 * completion or cancellation at any time while the transaction is in
 * progress; the transition fires when both parties' flags for the same
 * outcome are true. The read-evaluate-write sequence for each transaction
 * runs under that transaction's entity lock, so concurrent confirmations from
 * buyer and seller produce exactly one transition and one side effect.
 *
 * State machine: in_progress -> completed (both confirm flags) or
 * in_progress -> cancelled (both cancel flags); both terminal.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

// CreateTransaction records an agreed purchase directly, without a prior buy
// request, as when a seller or buyer schedules a meetup from the conversation. The
// actor must be one of the two participants. Fails with
// store.ErrDuplicateLiveTransaction when an in_progress transaction already
// exists for the (conversation, item) pair.
func (s *Service) CreateTransaction(ctx context.Context, actorID uuid.UUID, payload domain.CreateTransactionPayload) (*domain.Transaction, error) {
	sellerID, err := s.catalog.GetItemOwner(ctx, payload.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item owner: %w", err)
	}
	if actorID != payload.BuyerID && actorID != sellerID {
		return nil, ErrNotParticipant
	}
	if payload.BuyerID == sellerID {
		return nil, ErrOwnItem
	}

	// App-level check first for a readable error; the partial unique index is
	// the backstop under a true race.
	existing, err := s.repo.FindLiveTransaction(ctx, payload.ConversationID, payload.ItemID)
	if err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("failed to check for live transaction: %w", err)
	}
	if existing != nil {
		return nil, store.ErrDuplicateLiveTransaction
	}

	t := &domain.Transaction{
		ID:             uuid.New(),
		ItemID:         payload.ItemID,
		BuyerID:        payload.BuyerID,
		SellerID:       sellerID,
		ConversationID: payload.ConversationID,
		Status:         domain.TransactionInProgress,
		MeetupTime:     payload.MeetupTime,
		MeetupPlace:    payload.MeetupPlace,
		MeetupLat:      payload.MeetupLat,
		MeetupLng:      payload.MeetupLng,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	s.postSystemMessage(ctx, t.ConversationID, "A meetup has been scheduled for this item.", t.BuyerID, t.SellerID)
	s.emit(ctx, domain.TransactionEvent(domain.EventTransactionCreated, t))
	return t, nil
}

// SetMeetup updates the meetup details of an in_progress transaction. Either
// participant may call it; terminal transactions are immutable.
func (s *Service) SetMeetup(ctx context.Context, transactionID, actorID uuid.UUID, payload domain.UpdateMeetupPayload) (*domain.Transaction, error) {
	key := transactionLockKey(transactionID)
	s.locks.Lock(key)
	t, err := s.setMeetupLocked(ctx, transactionID, actorID, payload)
	s.locks.Unlock(key)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, domain.TransactionEvent(domain.EventTransactionUpdated, t))
	return t, nil
}

func (s *Service) setMeetupLocked(ctx context.Context, transactionID, actorID uuid.UUID, payload domain.UpdateMeetupPayload) (*domain.Transaction, error) {
	t, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(actorID) {
		return nil, ErrNotParticipant
	}
	if t.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTransactionTerminal, t.Status)
	}

	if payload.MeetupTime != nil {
		t.MeetupTime = payload.MeetupTime
	}
	if payload.MeetupPlace != nil {
		t.MeetupPlace = payload.MeetupPlace
	}
	if payload.MeetupLat != nil {
		t.MeetupLat = payload.MeetupLat
	}
	if payload.MeetupLng != nil {
		t.MeetupLng = payload.MeetupLng
	}
	if err := s.repo.UpdateTransactionMeetup(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ConfirmCompletion records the actor's completion confirmation. Confirming
// twice is a no-op, not an error. When both parties have confirmed, the
// transaction completes, completed_at is stamped and the item is marked sold
// in the catalog (best effort, outside the entity lock).
func (s *Service) ConfirmCompletion(ctx context.Context, transactionID, actorID uuid.UUID) (*domain.Transaction, error) {
	return s.confirm(ctx, transactionID, actorID, false)
}

// ConfirmCancellation records the actor's cancellation confirmation,
// symmetric to ConfirmCompletion. On full quorum the transaction cancels and
// the item is flipped back to available.
func (s *Service) ConfirmCancellation(ctx context.Context, transactionID, actorID uuid.UUID) (*domain.Transaction, error) {
	return s.confirm(ctx, transactionID, actorID, true)
}

func (s *Service) confirm(ctx context.Context, transactionID, actorID uuid.UUID, cancel bool) (*domain.Transaction, error) {
	key := transactionLockKey(transactionID)
	s.locks.Lock(key)
	t, changed, reachedQuorum, err := s.confirmLocked(ctx, transactionID, actorID, cancel)
	s.locks.Unlock(key)
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	if reachedQuorum {
		if cancel {
			s.setItemStatus(ctx, t.ItemID, ItemStatusAvailable)
			s.postSystemMessage(ctx, t.ConversationID, "Both parties confirmed cancellation. The transaction is cancelled.", t.BuyerID, t.SellerID)
		} else {
			s.setItemStatus(ctx, t.ItemID, ItemStatusSold)
			s.postSystemMessage(ctx, t.ConversationID, "Both parties confirmed the sale. The transaction is complete.", t.BuyerID, t.SellerID)
		}
	}
	s.emit(ctx, domain.TransactionEvent(domain.EventTransactionUpdated, t))
	return t, nil
}

// confirmLocked performs the read-evaluate-write quorum sequence. It must be
// called with the transaction's entity lock held.
func (s *Service) confirmLocked(ctx context.Context, transactionID, actorID uuid.UUID, cancel bool) (t *domain.Transaction, changed, reachedQuorum bool, err error) {
	t, err = s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, false, false, err
	}
	if !t.Participant(actorID) {
		return nil, false, false, ErrNotParticipant
	}
	if t.Terminal() {
		// Re-confirming the outcome that already happened is idempotent;
		// confirming the opposite outcome of a frozen record is a state error.
		if (cancel && t.Status == domain.TransactionCancelled) || (!cancel && t.Status == domain.TransactionCompleted) {
			return t, false, false, nil
		}
		return nil, false, false, fmt.Errorf("%w: status is %s", ErrTransactionTerminal, t.Status)
	}

	var flag *bool
	switch {
	case cancel && actorID == t.BuyerID:
		flag = &t.BuyerCancelConfirmed
	case cancel && actorID == t.SellerID:
		flag = &t.SellerCancelConfirmed
	case !cancel && actorID == t.BuyerID:
		flag = &t.BuyerConfirmed
	default:
		flag = &t.SellerConfirmed
	}
	if *flag {
		return t, false, false, nil
	}
	*flag = true

	if cancel && t.CancellationQuorum() {
		t.Status = domain.TransactionCancelled
		reachedQuorum = true
	}
	if !cancel && t.CompletionQuorum() {
		t.Status = domain.TransactionCompleted
		completedAt := s.now().UTC()
		t.CompletedAt = &completedAt
		reachedQuorum = true
	}

	if err := s.repo.UpdateTransactionConfirmations(ctx, t); err != nil {
		return nil, false, false, err
	}
	return t, true, reachedQuorum, nil
}

// GetTransaction returns a transaction visible only to its participants.
func (s *Service) GetTransaction(ctx context.Context, transactionID, actorID uuid.UUID) (*domain.Transaction, error) {
	t, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(actorID) {
		return nil, ErrNotParticipant
	}
	return t, nil
}

// GetTransactionsByConversation lists every transaction in a conversation the
// actor participates in.
func (s *Service) GetTransactionsByConversation(ctx context.Context, conversationID, actorID uuid.UUID) ([]domain.Transaction, error) {
	list, err := s.repo.FindTransactionsByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if !list[i].Participant(actorID) {
			return nil, ErrNotParticipant
		}
	}
	return list, nil
}

func transactionLockKey(transactionID uuid.UUID) string {
	return "tx:" + transactionID.String()
}
