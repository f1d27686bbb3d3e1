/**
 * @description
 * This file defines the typed events the service fans out to connected
 * sessions whenever authoritative state changes. Events are ephemeral
 * notifications, not a durable log: a session that misses one is expected to
 * re-fetch the entity, so every payload carries a full snapshot of the entity
 * it describes.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types pushed over the session channel.
const (
	EventMessageCreated     = "message_created"
	EventBuyRequestUpdated  = "buy_request_updated"
	EventTransactionCreated = "transaction_created"
	EventTransactionUpdated = "transaction_updated"
)

// Event is a state-change notification addressed to the sessions of one or
// more users. Payload holds a full entity snapshot (a *BuyRequest,
// *Transaction or *Message depending on Type).
type Event struct {
	Type          string      `json:"type"`
	Payload       interface{} `json:"data"`
	TargetUserIDs []uuid.UUID `json:"-"`
}

// Message is a single entry in a two-party conversation thread. The
// conversation store owns message persistence; this service only carries
// snapshots of messages it emitted (system messages) or relays.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Body           string    `json:"body"`
	System         bool      `json:"system"`
	CreatedAt      time.Time `json:"created_at"`
}

// BuyRequestEvent builds a buy_request_updated event addressed to both
// participants of the request.
func BuyRequestEvent(r *BuyRequest) Event {
	return Event{
		Type:          EventBuyRequestUpdated,
		Payload:       r,
		TargetUserIDs: []uuid.UUID{r.BuyerID, r.SellerID},
	}
}

// TransactionEvent builds a transaction_created or transaction_updated event
// addressed to both participants of the transaction.
func TransactionEvent(eventType string, t *Transaction) Event {
	return Event{
		Type:          eventType,
		Payload:       t,
		TargetUserIDs: []uuid.UUID{t.BuyerID, t.SellerID},
	}
}

// MessageEvent builds a message_created event addressed to the given users.
func MessageEvent(m *Message, targets ...uuid.UUID) Event {
	return Event{
		Type:          EventMessageCreated,
		Payload:       m,
		TargetUserIDs: targets,
	}
}
