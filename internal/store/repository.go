/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the exchange service performs. The engines depend on this interface
 * rather than on PostgreSQL directly, which keeps the quorum and conflict
 * logic testable against in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/campusthrift/exchange-service/internal/domain"
)

var (
	ErrBuyRequestNotFound  = errors.New("buy request not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateLiveTransaction is returned when an insert would create a
	// second in_progress transaction for the same (conversation, item) pair.
	ErrDuplicateLiveTransaction = errors.New("a live transaction already exists for this conversation and item")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Buy request methods
	CreateBuyRequest(ctx context.Context, r *domain.BuyRequest) error
	FindBuyRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.BuyRequest, error)
	// FindActiveBuyRequest returns the pending request for (buyer, item), or
	// the accepted one whose transaction is still in_progress. Returns
	// ErrBuyRequestNotFound when neither exists.
	FindActiveBuyRequest(ctx context.Context, buyerID, itemID uuid.UUID) (*domain.BuyRequest, error)
	UpdateBuyRequestStatus(ctx context.Context, requestID uuid.UUID, status string, respondedAt time.Time) error
	// AcceptBuyRequest flips the request to accepted and inserts its
	// transaction in a single database transaction. Either both rows commit
	// or neither does.
	AcceptBuyRequest(ctx context.Context, requestID uuid.UUID, respondedAt time.Time, tx *domain.Transaction) error

	// Transaction methods
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindLiveTransaction(ctx context.Context, conversationID, itemID uuid.UUID) (*domain.Transaction, error)
	FindTransactionsByConversation(ctx context.Context, conversationID uuid.UUID) ([]domain.Transaction, error)
	UpdateTransactionMeetup(ctx context.Context, t *domain.Transaction) error
	// UpdateTransactionConfirmations persists the four confirmation flags,
	// the status and completed_at in one statement.
	UpdateTransactionConfirmations(ctx context.Context, t *domain.Transaction) error
}
