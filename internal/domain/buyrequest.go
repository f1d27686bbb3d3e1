/**
 * @description
 * This file defines the BuyRequest domain model and its lifecycle states.
 * A BuyRequest is a buyer's offer to purchase a specific item from a specific
 * seller. It is created in `pending` and moves to exactly one terminal state:
 * `accepted` (which spawns a Transaction), `rejected` (seller declined) or
 * `cancelled` (buyer withdrew it).
 *
 * @notes
 * - At most one active request may exist per (buyer_id, item_id) pair, where
 *   active means pending, or accepted with a live (in_progress) transaction.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BuyRequest statuses. pending is initial; the rest are terminal.
const (
	BuyRequestPending   = "pending"
	BuyRequestAccepted  = "accepted"
	BuyRequestRejected  = "rejected"
	BuyRequestCancelled = "cancelled"
)

// BuyRequest maps directly to the `buy_requests` table.
type BuyRequest struct {
	ID             uuid.UUID  `json:"id"`
	ItemID         uuid.UUID  `json:"item_id"`
	BuyerID        uuid.UUID  `json:"buyer_id"`
	SellerID       uuid.UUID  `json:"seller_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
}

// Terminal reports whether the request can no longer change state.
func (r *BuyRequest) Terminal() bool {
	return r.Status != BuyRequestPending
}

// CreateBuyRequestPayload is the DTO for incoming proposal API requests.
// ConversationID is optional; when absent the service resolves or creates
// one via the conversation store.
type CreateBuyRequestPayload struct {
	ItemID         uuid.UUID  `json:"item_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// AcceptBuyRequestResult pairs the accepted request with the transaction the
// acceptance created. The two are committed atomically; no caller ever sees
// one without the other.
type AcceptBuyRequestResult struct {
	Request     *BuyRequest  `json:"request"`
	Transaction *Transaction `json:"transaction"`
}
