/**
 * @description
 * This file implements the client-side reconciler: a merge of locally-held
 * state with an authoritative pushed event. The merge is a function of
 * (state, event) -> state, independent of any scheduling primitive, so a
 * client can run it from whatever loop drains its socket.
 *
 * Rules:
 * - Messages deduplicate by id, never by position. Applying the same
 *   message_created twice yields the same list as applying it once.
 * - An event for an entity unknown locally is not trusted as a creation
 *   signal unless it carries a full snapshot; otherwise the entity is
 *   re-fetched from the authoritative source.
 * - Events for conversations other than the active one only touch background
 *   state (unread counts), never the foreground thread.
 * - Optimistic local writes are superseded by the authoritative event for the
 *   same entity id: last authoritative write wins.
 */

package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
)

// Fetcher retrieves an authoritative snapshot when a push references an
// entity the client does not hold.
type Fetcher interface {
	FetchBuyRequest(ctx context.Context, requestID uuid.UUID) (*domain.BuyRequest, error)
	FetchTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
}

// State is the client's local view. Maps are never shared between states:
// Apply clones before writing, so a caller may keep the old value.
type State struct {
	// ActiveConversationID is the thread currently foregrounded in the UI.
	ActiveConversationID uuid.UUID

	// Messages is the foreground thread, in arrival order.
	Messages []domain.Message

	// Requests and Transactions hold the latest authoritative snapshot per
	// entity id.
	Requests     map[uuid.UUID]domain.BuyRequest
	Transactions map[uuid.UUID]domain.Transaction

	// Optimistic marks entity ids whose local snapshot is a not-yet-confirmed
	// guess. The authoritative event clears the mark.
	Optimistic map[uuid.UUID]bool

	// Unread counts new background messages per conversation id.
	Unread map[uuid.UUID]int

	seenMessages map[uuid.UUID]struct{}
}

// NewState creates an empty State foregrounding the given conversation.
func NewState(activeConversationID uuid.UUID) State {
	return State{
		ActiveConversationID: activeConversationID,
		Requests:             map[uuid.UUID]domain.BuyRequest{},
		Transactions:         map[uuid.UUID]domain.Transaction{},
		Optimistic:           map[uuid.UUID]bool{},
		Unread:               map[uuid.UUID]int{},
		seenMessages:         map[uuid.UUID]struct{}{},
	}
}

// MarkOptimistic records a local, not-yet-acknowledged transaction write,
// e.g. the flag flip right after the user taps confirm.
func (s State) MarkOptimistic(t domain.Transaction) State {
	out := s.clone()
	out.Transactions[t.ID] = t
	out.Optimistic[t.ID] = true
	return out
}

// Apply merges one pushed event into the state and returns the new state.
// The input state is left untouched.
func Apply(ctx context.Context, s State, ev domain.Event, fetcher Fetcher) (State, error) {
	switch ev.Type {
	case domain.EventMessageCreated:
		msg, ok := ev.Payload.(*domain.Message)
		if !ok || msg == nil {
			return s, fmt.Errorf("message_created event without message payload")
		}
		return s.applyMessage(*msg), nil

	case domain.EventBuyRequestUpdated:
		req, _ := ev.Payload.(*domain.BuyRequest)
		return s.applyBuyRequest(ctx, req, ev, fetcher)

	case domain.EventTransactionCreated, domain.EventTransactionUpdated:
		t, _ := ev.Payload.(*domain.Transaction)
		return s.applyTransaction(ctx, t, ev, fetcher)

	default:
		return s, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (s State) applyMessage(msg domain.Message) State {
	if _, seen := s.seenMessages[msg.ID]; seen {
		return s
	}
	out := s.clone()
	out.seenMessages[msg.ID] = struct{}{}
	if msg.ConversationID == s.ActiveConversationID {
		out.Messages = append(out.Messages, msg)
	} else {
		out.Unread[msg.ConversationID]++
	}
	return out
}

func (s State) applyBuyRequest(ctx context.Context, req *domain.BuyRequest, ev domain.Event, fetcher Fetcher) (State, error) {
	if req == nil {
		// Partial push for an entity we do not hold: re-fetch rather than
		// guess. An id is the minimum a partial payload must carry.
		id, ok := eventEntityID(ev)
		if !ok {
			return s, fmt.Errorf("buy_request_updated event without snapshot or id")
		}
		if fetcher == nil {
			return s, fmt.Errorf("partial push for buy request %s and no fetcher configured", id)
		}
		fetched, err := fetcher.FetchBuyRequest(ctx, id)
		if err != nil {
			return s, err
		}
		req = fetched
	}
	out := s.clone()
	out.Requests[req.ID] = *req
	delete(out.Optimistic, req.ID)
	return out, nil
}

func (s State) applyTransaction(ctx context.Context, t *domain.Transaction, ev domain.Event, fetcher Fetcher) (State, error) {
	if t == nil {
		id, ok := eventEntityID(ev)
		if !ok {
			return s, fmt.Errorf("transaction event without snapshot or id")
		}
		if fetcher == nil {
			return s, fmt.Errorf("partial push for transaction %s and no fetcher configured", id)
		}
		fetched, err := fetcher.FetchTransaction(ctx, id)
		if err != nil {
			return s, err
		}
		t = fetched
	}
	out := s.clone()
	out.Transactions[t.ID] = *t
	delete(out.Optimistic, t.ID)
	return out, nil
}

// entityRef is the minimal payload a partial push may carry instead of a
// snapshot.
type entityRef struct {
	ID uuid.UUID `json:"id"`
}

func eventEntityID(ev domain.Event) (uuid.UUID, bool) {
	switch p := ev.Payload.(type) {
	case entityRef:
		return p.ID, p.ID != uuid.Nil
	case *entityRef:
		if p == nil {
			return uuid.Nil, false
		}
		return p.ID, p.ID != uuid.Nil
	case uuid.UUID:
		return p, p != uuid.Nil
	default:
		return uuid.Nil, false
	}
}

// EntityRef builds a partial payload carrying only an entity id.
func EntityRef(id uuid.UUID) interface{} {
	return entityRef{ID: id}
}

func (s State) clone() State {
	out := State{
		ActiveConversationID: s.ActiveConversationID,
		Messages:             append([]domain.Message(nil), s.Messages...),
		Requests:             make(map[uuid.UUID]domain.BuyRequest, len(s.Requests)),
		Transactions:         make(map[uuid.UUID]domain.Transaction, len(s.Transactions)),
		Optimistic:           make(map[uuid.UUID]bool, len(s.Optimistic)),
		Unread:               make(map[uuid.UUID]int, len(s.Unread)),
		seenMessages:         make(map[uuid.UUID]struct{}, len(s.seenMessages)),
	}
	for k, v := range s.Requests {
		out.Requests[k] = v
	}
	for k, v := range s.Transactions {
		out.Transactions[k] = v
	}
	for k, v := range s.Optimistic {
		out.Optimistic[k] = v
	}
	for k, v := range s.Unread {
		out.Unread[k] = v
	}
	for k := range s.seenMessages {
		out.seenMessages[k] = struct{}{}
	}
	return out
}
