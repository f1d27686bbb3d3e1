package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

// memExchangeRepo backs the end-to-end flow tests with both tables in memory.
type memExchangeRepo struct {
	mu           sync.Mutex
	requests     map[uuid.UUID]domain.BuyRequest
	transactions map[uuid.UUID]domain.Transaction
}

func newMemExchangeRepo() *memExchangeRepo {
	return &memExchangeRepo{
		requests:     map[uuid.UUID]domain.BuyRequest{},
		transactions: map[uuid.UUID]domain.Transaction{},
	}
}

func (r *memExchangeRepo) CreateBuyRequest(ctx context.Context, req *domain.BuyRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = *req
	return nil
}

func (r *memExchangeRepo) FindBuyRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.BuyRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return nil, store.ErrBuyRequestNotFound
	}
	copied := req
	return &copied, nil
}

func (r *memExchangeRepo) FindActiveBuyRequest(ctx context.Context, buyerID, itemID uuid.UUID) (*domain.BuyRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.BuyerID != buyerID || req.ItemID != itemID {
			continue
		}
		if req.Status == domain.BuyRequestPending {
			copied := req
			return &copied, nil
		}
		if req.Status == domain.BuyRequestAccepted {
			for _, t := range r.transactions {
				if t.BuyRequestID != nil && *t.BuyRequestID == req.ID && t.Status == domain.TransactionInProgress {
					copied := req
					return &copied, nil
				}
			}
		}
	}
	return nil, store.ErrBuyRequestNotFound
}

func (r *memExchangeRepo) UpdateBuyRequestStatus(ctx context.Context, requestID uuid.UUID, status string, respondedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return store.ErrBuyRequestNotFound
	}
	req.Status = status
	req.RespondedAt = &respondedAt
	r.requests[requestID] = req
	return nil
}

func (r *memExchangeRepo) AcceptBuyRequest(ctx context.Context, requestID uuid.UUID, respondedAt time.Time, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || req.Status != domain.BuyRequestPending {
		return store.ErrBuyRequestNotFound
	}
	for _, existing := range r.transactions {
		if existing.ConversationID == t.ConversationID && existing.ItemID == t.ItemID && existing.Status == domain.TransactionInProgress {
			return store.ErrDuplicateLiveTransaction
		}
	}
	req.Status = domain.BuyRequestAccepted
	req.RespondedAt = &respondedAt
	r.requests[requestID] = req
	r.transactions[t.ID] = *t
	return nil
}

func (r *memExchangeRepo) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.transactions {
		if existing.ConversationID == t.ConversationID && existing.ItemID == t.ItemID && existing.Status == domain.TransactionInProgress {
			return store.ErrDuplicateLiveTransaction
		}
	}
	r.transactions[t.ID] = *t
	return nil
}

func (r *memExchangeRepo) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	copied := t
	return &copied, nil
}

func (r *memExchangeRepo) FindLiveTransaction(ctx context.Context, conversationID, itemID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.ConversationID == conversationID && t.ItemID == itemID && t.Status == domain.TransactionInProgress {
			copied := t
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memExchangeRepo) FindTransactionsByConversation(ctx context.Context, conversationID uuid.UUID) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, t := range r.transactions {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memExchangeRepo) UpdateTransactionMeetup(ctx context.Context, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[t.ID] = *t
	return nil
}

func (r *memExchangeRepo) UpdateTransactionConfirmations(ctx context.Context, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[t.ID] = *t
	return nil
}

// TestExchangeFlow_HappyPath drives the whole protocol end to end: propose,
// accept, schedule a meetup, both parties confirm, item marked sold.
func TestExchangeFlow_HappyPath(t *testing.T) {
	buyerID := uuid.New()
	sellerID := uuid.New()
	itemID := uuid.New()
	conversationID := uuid.New()

	repo := newMemExchangeRepo()
	catalog := &catalogStub{owner: sellerID}
	convo := &convoStub{conversationID: conversationID}
	sink := &sinkStub{}
	svc := newTestService(repo, catalog, convo, sink)
	ctx := context.Background()

	req, err := svc.Propose(ctx, buyerID, domain.CreateBuyRequestPayload{ItemID: itemID})
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	// A second proposal for the same item is blocked while the first is live.
	if _, err := svc.Propose(ctx, buyerID, domain.CreateBuyRequestPayload{ItemID: itemID}); !errors.Is(err, ErrActiveRequestExists) {
		t.Fatalf("expected ErrActiveRequestExists for a duplicate proposal, got %v", err)
	}

	accepted, err := svc.Accept(ctx, req.ID, sellerID)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	txID := accepted.Transaction.ID

	// The accepted request with a live transaction still blocks re-proposing.
	if _, err := svc.Propose(ctx, buyerID, domain.CreateBuyRequestPayload{ItemID: itemID}); !errors.Is(err, ErrActiveRequestExists) {
		t.Fatalf("expected accepted request with live transaction to block proposals, got %v", err)
	}

	place := "student union, table 3"
	when := time.Now().Add(48 * time.Hour).UTC()
	if _, err := svc.SetMeetup(ctx, txID, sellerID, domain.UpdateMeetupPayload{MeetupTime: &when, MeetupPlace: &place}); err != nil {
		t.Fatalf("set meetup failed: %v", err)
	}

	if _, err := svc.ConfirmCompletion(ctx, txID, buyerID); err != nil {
		t.Fatalf("buyer confirmation failed: %v", err)
	}
	final, err := svc.ConfirmCompletion(ctx, txID, sellerID)
	if err != nil {
		t.Fatalf("seller confirmation failed: %v", err)
	}

	if final.Status != domain.TransactionCompleted {
		t.Fatalf("expected completed transaction, got %q", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at stamped")
	}
	if final.MeetupPlace == nil || *final.MeetupPlace != place {
		t.Fatal("expected meetup details to survive the confirmations")
	}

	statuses := catalog.statuses()
	if len(statuses) != 1 || statuses[0] != ItemStatusSold {
		t.Fatalf("expected exactly one sold flip, got %v", statuses)
	}

	// Once the transaction is terminal the buyer may propose on the item again.
	if _, err := svc.Propose(ctx, buyerID, domain.CreateBuyRequestPayload{ItemID: itemID}); err != nil {
		t.Fatalf("expected a fresh proposal after the flow completed, got %v", err)
	}
}
