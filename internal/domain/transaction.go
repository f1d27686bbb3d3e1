/**
 * @description
 * This file defines the Transaction domain model: the record of an agreed
 * purchase between a buyer and a seller, coordinated around a real-world
 * meetup. A transaction starts `in_progress` and reaches a terminal state
 * through a two-of-two quorum: it completes when both parties have confirmed
 * completion, and cancels when both parties have confirmed cancellation.
 *
 * @notes
 * - Completion and cancellation confirmations are tracked independently.
 *   Whichever quorum reaches two-of-two first wins; once the transaction is
 *   terminal all four flags are frozen.
 * - Transactions are never deleted; they remain as audit records.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. in_progress is initial; completed and cancelled are terminal.
const (
	TransactionInProgress = "in_progress"
	TransactionCompleted  = "completed"
	TransactionCancelled  = "cancelled"
)

// Transaction maps directly to the `transactions` table.
type Transaction struct {
	ID                    uuid.UUID  `json:"id"`
	ItemID                uuid.UUID  `json:"item_id"`
	BuyerID               uuid.UUID  `json:"buyer_id"`
	SellerID              uuid.UUID  `json:"seller_id"`
	ConversationID        uuid.UUID  `json:"conversation_id"`
	BuyRequestID          *uuid.UUID `json:"buy_request_id,omitempty"`
	Status                string     `json:"status"`
	BuyerConfirmed        bool       `json:"buyer_confirmed"`
	SellerConfirmed       bool       `json:"seller_confirmed"`
	BuyerCancelConfirmed  bool       `json:"buyer_cancel_confirmed"`
	SellerCancelConfirmed bool       `json:"seller_cancel_confirmed"`
	MeetupTime            *time.Time `json:"meetup_time,omitempty"`
	MeetupPlace           *string    `json:"meetup_place,omitempty"`
	MeetupLat             *float64   `json:"meetup_lat,omitempty"`
	MeetupLng             *float64   `json:"meetup_lng,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the transaction can no longer change state.
func (t *Transaction) Terminal() bool {
	return t.Status != TransactionInProgress
}

// Participant reports whether userID is the buyer or the seller.
func (t *Transaction) Participant(userID uuid.UUID) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// CompletionQuorum reports whether both parties have confirmed completion.
func (t *Transaction) CompletionQuorum() bool {
	return t.BuyerConfirmed && t.SellerConfirmed
}

// CancellationQuorum reports whether both parties have confirmed cancellation.
func (t *Transaction) CancellationQuorum() bool {
	return t.BuyerCancelConfirmed && t.SellerCancelConfirmed
}

// CreateTransactionPayload is the DTO for scheduling a meetup directly,
// without a prior buy request.
type CreateTransactionPayload struct {
	ItemID         uuid.UUID  `json:"item_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	BuyerID        uuid.UUID  `json:"buyer_id"`
	MeetupTime     *time.Time `json:"meetup_time,omitempty"`
	MeetupPlace    *string    `json:"meetup_place,omitempty"`
	MeetupLat      *float64   `json:"meetup_lat,omitempty"`
	MeetupLng      *float64   `json:"meetup_lng,omitempty"`
}

// UpdateMeetupPayload is the DTO for editing meetup details while the
// transaction is still in progress.
type UpdateMeetupPayload struct {
	MeetupTime  *time.Time `json:"meetup_time,omitempty"`
	MeetupPlace *string    `json:"meetup_place,omitempty"`
	MeetupLat   *float64   `json:"meetup_lat,omitempty"`
	MeetupLng   *float64   `json:"meetup_lng,omitempty"`
}
