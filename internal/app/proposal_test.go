package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

type catalogStub struct {
	owner       uuid.UUID
	ownerErr    error
	statusCalls []string
	mu          sync.Mutex
}

func (c *catalogStub) GetItemOwner(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	return c.owner, c.ownerErr
}

func (c *catalogStub) SetItemStatus(ctx context.Context, itemID uuid.UUID, status string) error {
	c.mu.Lock()
	c.statusCalls = append(c.statusCalls, status)
	c.mu.Unlock()
	return nil
}

func (c *catalogStub) statuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statusCalls...)
}

type convoStub struct {
	conversationID uuid.UUID
	appended       []string
	mu             sync.Mutex
}

func (c *convoStub) ResolveOrCreate(ctx context.Context, a, b, itemID uuid.UUID) (uuid.UUID, error) {
	return c.conversationID, nil
}

func (c *convoStub) AppendSystemMessage(ctx context.Context, conversationID uuid.UUID, text string) (*domain.Message, error) {
	c.mu.Lock()
	c.appended = append(c.appended, text)
	c.mu.Unlock()
	return &domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Body:           text,
		System:         true,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

type sinkStub struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sinkStub) Publish(event domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *sinkStub) typesSeen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		types = append(types, ev.Type)
	}
	return types
}

type proposalRepoStub struct {
	store.Repository

	active       *domain.BuyRequest
	findActive   error
	byID         *domain.BuyRequest
	byIDErr      error
	acceptErr    error
	createdReq   *domain.BuyRequest
	acceptedTx   *domain.Transaction
	statusUpdate string
}

func (s *proposalRepoStub) FindActiveBuyRequest(ctx context.Context, buyerID, itemID uuid.UUID) (*domain.BuyRequest, error) {
	if s.active != nil {
		return s.active, nil
	}
	if s.findActive != nil {
		return nil, s.findActive
	}
	return nil, store.ErrBuyRequestNotFound
}

func (s *proposalRepoStub) CreateBuyRequest(ctx context.Context, r *domain.BuyRequest) error {
	s.createdReq = r
	return nil
}

func (s *proposalRepoStub) FindBuyRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.BuyRequest, error) {
	if s.byIDErr != nil {
		return nil, s.byIDErr
	}
	if s.byID == nil {
		return nil, store.ErrBuyRequestNotFound
	}
	copied := *s.byID
	return &copied, nil
}

func (s *proposalRepoStub) AcceptBuyRequest(ctx context.Context, requestID uuid.UUID, respondedAt time.Time, tx *domain.Transaction) error {
	if s.acceptErr != nil {
		return s.acceptErr
	}
	s.acceptedTx = tx
	return nil
}

func (s *proposalRepoStub) UpdateBuyRequestStatus(ctx context.Context, requestID uuid.UUID, status string, respondedAt time.Time) error {
	s.statusUpdate = status
	return nil
}

func newTestService(repo store.Repository, catalog CatalogClient, convo ConversationClient, sink EventSink) *Service {
	return NewService(repo, catalog, convo, sink, nil)
}

func TestPropose_CreatesPendingRequestAndEmits(t *testing.T) {
	buyerID := uuid.New()
	sellerID := uuid.New()
	conversationID := uuid.New()
	itemID := uuid.New()

	repo := &proposalRepoStub{}
	catalog := &catalogStub{owner: sellerID}
	convo := &convoStub{conversationID: conversationID}
	sink := &sinkStub{}
	svc := newTestService(repo, catalog, convo, sink)

	req, err := svc.Propose(context.Background(), buyerID, domain.CreateBuyRequestPayload{ItemID: itemID})
	if err != nil {
		t.Fatalf("expected proposal to succeed, got %v", err)
	}
	if req.Status != domain.BuyRequestPending {
		t.Fatalf("expected pending status, got %q", req.Status)
	}
	if req.SellerID != sellerID {
		t.Fatalf("expected seller resolved from catalog, got %s", req.SellerID)
	}
	if req.ConversationID != conversationID {
		t.Fatalf("expected conversation resolved via conversation store, got %s", req.ConversationID)
	}
	if repo.createdReq == nil {
		t.Fatal("expected request to be persisted")
	}

	types := sink.typesSeen()
	foundUpdate := false
	for _, ty := range types {
		if ty == domain.EventBuyRequestUpdated {
			foundUpdate = true
		}
	}
	if !foundUpdate {
		t.Fatalf("expected buy_request_updated event, got %v", types)
	}
}

func TestPropose_RejectsOwnItem(t *testing.T) {
	buyerID := uuid.New()
	repo := &proposalRepoStub{}
	catalog := &catalogStub{owner: buyerID}
	svc := newTestService(repo, catalog, &convoStub{}, &sinkStub{})

	_, err := svc.Propose(context.Background(), buyerID, domain.CreateBuyRequestPayload{ItemID: uuid.New()})
	if !errors.Is(err, ErrOwnItem) {
		t.Fatalf("expected ErrOwnItem, got %v", err)
	}
}

func TestPropose_RejectsDuplicateActiveRequest(t *testing.T) {
	buyerID := uuid.New()
	sellerID := uuid.New()
	itemID := uuid.New()

	repo := &proposalRepoStub{
		active: &domain.BuyRequest{
			ID:      uuid.New(),
			ItemID:  itemID,
			BuyerID: buyerID,
			Status:  domain.BuyRequestPending,
		},
	}
	svc := newTestService(repo, &catalogStub{owner: sellerID}, &convoStub{}, &sinkStub{})

	_, err := svc.Propose(context.Background(), buyerID, domain.CreateBuyRequestPayload{ItemID: itemID})
	if !errors.Is(err, ErrActiveRequestExists) {
		t.Fatalf("expected ErrActiveRequestExists, got %v", err)
	}
	if repo.createdReq != nil {
		t.Fatal("did not expect a second request to be persisted")
	}
}

type countingLimiter struct {
	count int
}

func (l *countingLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, 60, nil
}

func TestPropose_RateLimited(t *testing.T) {
	buyerID := uuid.New()
	sellerID := uuid.New()
	repo := &proposalRepoStub{}
	svc := newTestService(repo, &catalogStub{owner: sellerID}, &convoStub{conversationID: uuid.New()}, &sinkStub{})
	svc.SetProposalRateLimiter(&countingLimiter{}, 2)

	for i := 0; i < 2; i++ {
		if _, err := svc.Propose(context.Background(), buyerID, domain.CreateBuyRequestPayload{ItemID: uuid.New()}); err != nil {
			t.Fatalf("expected proposal %d under the limit to succeed, got %v", i+1, err)
		}
	}
	_, err := svc.Propose(context.Background(), buyerID, domain.CreateBuyRequestPayload{ItemID: uuid.New()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on third proposal, got %v", err)
	}
}

type brokenLimiter struct{}

func (l *brokenLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return 0, 0, errors.New("redis unavailable")
}

func TestPropose_BrokenLimiterDoesNotBlockProposals(t *testing.T) {
	sellerID := uuid.New()
	repo := &proposalRepoStub{}
	svc := newTestService(repo, &catalogStub{owner: sellerID}, &convoStub{conversationID: uuid.New()}, &sinkStub{})
	svc.SetProposalRateLimiter(&brokenLimiter{}, 1)

	if _, err := svc.Propose(context.Background(), uuid.New(), domain.CreateBuyRequestPayload{ItemID: uuid.New()}); err != nil {
		t.Fatalf("expected proposal to survive a broken limiter, got %v", err)
	}
}

func TestAccept_OnlySellerMayAccept(t *testing.T) {
	requestID := uuid.New()
	repo := &proposalRepoStub{
		byID: &domain.BuyRequest{
			ID:       requestID,
			BuyerID:  uuid.New(),
			SellerID: uuid.New(),
			Status:   domain.BuyRequestPending,
		},
	}
	svc := newTestService(repo, &catalogStub{}, &convoStub{}, &sinkStub{})

	_, err := svc.Accept(context.Background(), requestID, uuid.New())
	if !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
}

func TestAccept_CreatesTransactionLinkedToRequest(t *testing.T) {
	requestID := uuid.New()
	buyerID := uuid.New()
	sellerID := uuid.New()
	conversationID := uuid.New()
	itemID := uuid.New()

	repo := &proposalRepoStub{
		byID: &domain.BuyRequest{
			ID:             requestID,
			ItemID:         itemID,
			BuyerID:        buyerID,
			SellerID:       sellerID,
			ConversationID: conversationID,
			Status:         domain.BuyRequestPending,
		},
	}
	sink := &sinkStub{}
	svc := newTestService(repo, &catalogStub{}, &convoStub{}, sink)

	result, err := svc.Accept(context.Background(), requestID, sellerID)
	if err != nil {
		t.Fatalf("expected accept to succeed, got %v", err)
	}
	if result.Request.Status != domain.BuyRequestAccepted {
		t.Fatalf("expected accepted status, got %q", result.Request.Status)
	}
	if result.Request.RespondedAt == nil {
		t.Fatal("expected responded_at to be stamped")
	}
	if result.Transaction == nil || result.Transaction.Status != domain.TransactionInProgress {
		t.Fatalf("expected an in_progress transaction, got %+v", result.Transaction)
	}
	if result.Transaction.BuyRequestID == nil || *result.Transaction.BuyRequestID != requestID {
		t.Fatal("expected transaction linked to the accepted request")
	}
	if repo.acceptedTx == nil {
		t.Fatal("expected the atomic accept to receive the transaction")
	}

	types := sink.typesSeen()
	var sawRequest, sawTransaction bool
	for _, ty := range types {
		switch ty {
		case domain.EventBuyRequestUpdated:
			sawRequest = true
		case domain.EventTransactionCreated:
			sawTransaction = true
		}
	}
	if !sawRequest || !sawTransaction {
		t.Fatalf("expected both request and transaction events, got %v", types)
	}
}

func TestAccept_AfterCancelIsStateError(t *testing.T) {
	requestID := uuid.New()
	sellerID := uuid.New()
	repo := &proposalRepoStub{
		byID: &domain.BuyRequest{
			ID:       requestID,
			BuyerID:  uuid.New(),
			SellerID: sellerID,
			Status:   domain.BuyRequestCancelled,
		},
	}
	svc := newTestService(repo, &catalogStub{}, &convoStub{}, &sinkStub{})

	_, err := svc.Accept(context.Background(), requestID, sellerID)
	if !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("expected ErrRequestNotPending, got %v", err)
	}
	if !strings.Contains(err.Error(), domain.BuyRequestCancelled) {
		t.Fatalf("expected error to carry the current status, got %v", err)
	}
}

func TestCancelRequest_OnlyBuyerMayCancel(t *testing.T) {
	requestID := uuid.New()
	sellerID := uuid.New()
	repo := &proposalRepoStub{
		byID: &domain.BuyRequest{
			ID:       requestID,
			BuyerID:  uuid.New(),
			SellerID: sellerID,
			Status:   domain.BuyRequestPending,
		},
	}
	svc := newTestService(repo, &catalogStub{}, &convoStub{}, &sinkStub{})

	_, err := svc.CancelRequest(context.Background(), requestID, sellerID)
	if !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
}

func TestReject_TransitionsPendingToRejected(t *testing.T) {
	requestID := uuid.New()
	sellerID := uuid.New()
	repo := &proposalRepoStub{
		byID: &domain.BuyRequest{
			ID:       requestID,
			BuyerID:  uuid.New(),
			SellerID: sellerID,
			Status:   domain.BuyRequestPending,
		},
	}
	svc := newTestService(repo, &catalogStub{}, &convoStub{}, &sinkStub{})

	req, err := svc.Reject(context.Background(), requestID, sellerID)
	if err != nil {
		t.Fatalf("expected reject to succeed, got %v", err)
	}
	if req.Status != domain.BuyRequestRejected {
		t.Fatalf("expected rejected status, got %q", req.Status)
	}
	if repo.statusUpdate != domain.BuyRequestRejected {
		t.Fatalf("expected rejected status persisted, got %q", repo.statusUpdate)
	}
}

func TestGetBuyRequest_HiddenFromNonParticipants(t *testing.T) {
	requestID := uuid.New()
	repo := &proposalRepoStub{
		byID: &domain.BuyRequest{
			ID:       requestID,
			BuyerID:  uuid.New(),
			SellerID: uuid.New(),
			Status:   domain.BuyRequestPending,
		},
	}
	svc := newTestService(repo, &catalogStub{}, &convoStub{}, &sinkStub{})

	_, err := svc.GetBuyRequest(context.Background(), requestID, uuid.New())
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}
