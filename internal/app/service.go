/**
 * @description
 * This file contains the core Service for the exchange flow. The Service owns
 * all writes to buy requests and transactions, serializes them per entity,
 * and emits typed events after every committed state change. Proposal
 * operations live in proposal.go and transaction operations in
 * transaction.go; this file holds the shared wiring, the collaborator
 * interfaces and the engine-level error taxonomy.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/catalogclient, pkg/conversationclient: External collaborators.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

var (
	// Authorization errors: right identity, wrong role for the action.
	ErrNotSeller      = errors.New("only the seller may respond to a buy request")
	ErrNotBuyer       = errors.New("only the buyer may cancel a buy request")
	ErrNotParticipant = errors.New("actor is not a participant in this transaction")
	ErrOwnItem        = errors.New("cannot propose to buy your own item")

	// State errors: action invalid for the entity's current status.
	ErrRequestNotPending   = errors.New("buy request is no longer pending")
	ErrTransactionTerminal = errors.New("transaction is already completed or cancelled")

	// Conflict errors: the write would violate a uniqueness invariant.
	ErrActiveRequestExists = errors.New("an active buy request already exists for this item")

	ErrRateLimited = errors.New("too many proposals, try again later")
)

// CatalogClient is the slice of the external catalog/profile service the
// exchange flow needs: resolving an item's owner and flipping its
// availability when a transaction reaches a terminal state.
type CatalogClient interface {
	GetItemOwner(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error)
	SetItemStatus(ctx context.Context, itemID uuid.UUID, status string) error
}

// ConversationClient is the slice of the external conversation store the
// exchange flow needs: resolving the two-party thread for an item and
// appending system messages to it.
type ConversationClient interface {
	ResolveOrCreate(ctx context.Context, participantA, participantB, itemID uuid.UUID) (uuid.UUID, error)
	AppendSystemMessage(ctx context.Context, conversationID uuid.UUID, text string) (*domain.Message, error)
}

// EventSink receives committed state-change events for fan-out to connected
// sessions. Publish must not block; slow sessions are the sink's problem.
type EventSink interface {
	Publish(event domain.Event)
}

// EventMirror re-publishes committed events to a broker so sibling instances
// and offline consumers observe the same stream. Mirror failures are logged,
// never surfaced to the acting caller.
type EventMirror interface {
	PublishDomainEvent(ctx context.Context, event domain.Event) error
}

// RateLimiter bounds how often a subject may perform an action within a
// window. A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Item availability values understood by the catalog service.
const (
	ItemStatusAvailable = "available"
	ItemStatusSold      = "sold"
)

// Service provides the proposal and transaction engines.
type Service struct {
	repo    store.Repository
	catalog CatalogClient
	convo   ConversationClient
	sink    EventSink
	mirror  EventMirror

	locks *KeyedMutex

	limiter              RateLimiter
	proposalLimitPerMin  int

	now func() time.Time
}

// NewService creates the exchange service with its collaborators. sink and
// mirror may be nil (events are then dropped, which only degrades liveness:
// clients reconcile with authoritative reads).
func NewService(repo store.Repository, catalog CatalogClient, convo ConversationClient, sink EventSink, mirror EventMirror) *Service {
	return &Service{
		repo:    repo,
		catalog: catalog,
		convo:   convo,
		sink:    sink,
		mirror:  mirror,
		locks:   NewKeyedMutex(),
		now:     time.Now,
	}
}

// SetProposalRateLimiter enables distributed rate limiting of proposal
// creation. A limit of zero disables it.
func (s *Service) SetProposalRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.proposalLimitPerMin = perMinute
}

// emit distributes a committed event to connected sessions and mirrors it to
// the broker. Never call this while holding an entity lock: a slow consumer
// must not stall a domain write.
func (s *Service) emit(ctx context.Context, ev domain.Event) {
	if s.sink != nil {
		s.sink.Publish(ev)
	}
	if s.mirror != nil {
		if err := s.mirror.PublishDomainEvent(ctx, ev); err != nil {
			log.Printf("level=warn component=engine msg=\"event mirror publish failed\" event_type=%s err=%v", ev.Type, err)
		}
	}
}

// postSystemMessage appends a system message to the conversation and fans the
// resulting message out to both participants. Best effort: the conversation
// store is not on the critical path of any state transition.
func (s *Service) postSystemMessage(ctx context.Context, conversationID uuid.UUID, text string, targets ...uuid.UUID) {
	if s.convo == nil {
		return
	}
	msg, err := s.convo.AppendSystemMessage(ctx, conversationID, text)
	if err != nil {
		log.Printf("level=warn component=engine msg=\"system message append failed\" conversation_id=%s err=%v", conversationID, err)
		return
	}
	if msg != nil {
		s.emit(ctx, domain.MessageEvent(msg, targets...))
	}
}

// setItemStatus flips item availability in the catalog. Best effort: the
// transaction's own status is authoritative, so a catalog failure is logged
// and never rolled back.
func (s *Service) setItemStatus(ctx context.Context, itemID uuid.UUID, status string) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.SetItemStatus(ctx, itemID, status); err != nil {
		log.Printf("level=warn component=engine msg=\"item status update failed\" item_id=%s status=%s err=%v", itemID, status, err)
	}
}
