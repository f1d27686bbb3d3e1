/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the buy_requests and transactions
 * tables, including the queries that back the service's uniqueness
 * invariants.
 *
 * Expected schema:
 *
 *   CREATE TABLE buy_requests (
 *       id              UUID PRIMARY KEY,
 *       item_id         UUID NOT NULL,
 *       buyer_id        UUID NOT NULL,
 *       seller_id       UUID NOT NULL,
 *       conversation_id UUID NOT NULL,
 *       status          TEXT NOT NULL DEFAULT 'pending',
 *       created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
 *       responded_at    TIMESTAMPTZ
 *   );
 *
 *   CREATE TABLE transactions (
 *       id                      UUID PRIMARY KEY,
 *       item_id                 UUID NOT NULL,
 *       buyer_id                UUID NOT NULL,
 *       seller_id               UUID NOT NULL,
 *       conversation_id         UUID NOT NULL,
 *       buy_request_id          UUID REFERENCES buy_requests(id),
 *       status                  TEXT NOT NULL DEFAULT 'in_progress',
 *       buyer_confirmed         BOOLEAN NOT NULL DEFAULT FALSE,
 *       seller_confirmed        BOOLEAN NOT NULL DEFAULT FALSE,
 *       buyer_cancel_confirmed  BOOLEAN NOT NULL DEFAULT FALSE,
 *       seller_cancel_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
 *       meetup_time             TIMESTAMPTZ,
 *       meetup_place            TEXT,
 *       meetup_lat              DOUBLE PRECISION,
 *       meetup_lng              DOUBLE PRECISION,
 *       created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
 *       completed_at            TIMESTAMPTZ
 *   );
 *
 *   -- one live transaction per (conversation, item)
 *   CREATE UNIQUE INDEX ux_transactions_live
 *       ON transactions (conversation_id, item_id)
 *       WHERE status = 'in_progress';
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusthrift/exchange-service/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const buyRequestColumns = `id, item_id, buyer_id, seller_id, conversation_id, status, created_at, responded_at`

func scanBuyRequest(row pgx.Row) (*domain.BuyRequest, error) {
	var r domain.BuyRequest
	err := row.Scan(&r.ID, &r.ItemID, &r.BuyerID, &r.SellerID, &r.ConversationID, &r.Status, &r.CreatedAt, &r.RespondedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBuyRequestNotFound
		}
		return nil, err
	}
	return &r, nil
}

// CreateBuyRequest inserts a new pending buy request.
func (r *PostgresRepository) CreateBuyRequest(ctx context.Context, req *domain.BuyRequest) error {
	query := `
		INSERT INTO buy_requests (id, item_id, buyer_id, seller_id, conversation_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		req.ID, req.ItemID, req.BuyerID, req.SellerID, req.ConversationID, req.Status, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert buy request: %w", err)
	}
	return nil
}

// FindBuyRequestByID retrieves a buy request by its primary key.
func (r *PostgresRepository) FindBuyRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.BuyRequest, error) {
	query := `SELECT ` + buyRequestColumns + ` FROM buy_requests WHERE id = $1`
	return scanBuyRequest(r.db.QueryRow(ctx, query, requestID))
}

// FindActiveBuyRequest returns the request that still blocks a new proposal
// for this (buyer, item) pair: a pending one, or an accepted one whose
// transaction is still in_progress.
func (r *PostgresRepository) FindActiveBuyRequest(ctx context.Context, buyerID, itemID uuid.UUID) (*domain.BuyRequest, error) {
	query := `
		SELECT ` + buyRequestColumns + `
		FROM buy_requests br
		WHERE br.buyer_id = $1 AND br.item_id = $2
		  AND (br.status = 'pending'
		       OR (br.status = 'accepted' AND EXISTS (
		             SELECT 1 FROM transactions t
		             WHERE t.buy_request_id = br.id AND t.status = 'in_progress')))
		ORDER BY br.created_at DESC
		LIMIT 1`
	return scanBuyRequest(r.db.QueryRow(ctx, query, buyerID, itemID))
}

// UpdateBuyRequestStatus sets a terminal status and the responded timestamp.
func (r *PostgresRepository) UpdateBuyRequestStatus(ctx context.Context, requestID uuid.UUID, status string, respondedAt time.Time) error {
	query := `UPDATE buy_requests SET status = $2, responded_at = $3 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, requestID, status, respondedAt)
	if err != nil {
		return fmt.Errorf("failed to update buy request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBuyRequestNotFound
	}
	return nil
}

// AcceptBuyRequest flips the request to accepted and inserts the resulting
// transaction in one database transaction, so readers never observe one
// without the other.
func (r *PostgresRepository) AcceptBuyRequest(ctx context.Context, requestID uuid.UUID, respondedAt time.Time, t *domain.Transaction) error {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin accept transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	tag, err := dbTx.Exec(ctx,
		`UPDATE buy_requests SET status = 'accepted', responded_at = $2 WHERE id = $1 AND status = 'pending'`,
		requestID, respondedAt)
	if err != nil {
		return fmt.Errorf("failed to accept buy request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBuyRequestNotFound
	}

	if err := insertTransaction(ctx, dbTx, t); err != nil {
		return err
	}

	return dbTx.Commit(ctx)
}

const transactionColumns = `id, item_id, buyer_id, seller_id, conversation_id, buy_request_id, status,
	buyer_confirmed, seller_confirmed, buyer_cancel_confirmed, seller_cancel_confirmed,
	meetup_time, meetup_place, meetup_lat, meetup_lng, created_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.ItemID, &t.BuyerID, &t.SellerID, &t.ConversationID, &t.BuyRequestID, &t.Status,
		&t.BuyerConfirmed, &t.SellerConfirmed, &t.BuyerCancelConfirmed, &t.SellerCancelConfirmed,
		&t.MeetupTime, &t.MeetupPlace, &t.MeetupLat, &t.MeetupLng, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, db execer, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, item_id, buyer_id, seller_id, conversation_id, buy_request_id, status,
			buyer_confirmed, seller_confirmed, buyer_cancel_confirmed, seller_cancel_confirmed,
			meetup_time, meetup_place, meetup_lat, meetup_lng, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := db.Exec(ctx, query,
		t.ID, t.ItemID, t.BuyerID, t.SellerID, t.ConversationID, t.BuyRequestID, t.Status,
		t.BuyerConfirmed, t.SellerConfirmed, t.BuyerCancelConfirmed, t.SellerCancelConfirmed,
		t.MeetupTime, t.MeetupPlace, t.MeetupLat, t.MeetupLng, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateLiveTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// CreateTransaction inserts a new in_progress transaction. The partial unique
// index on (conversation_id, item_id) rejects a second live transaction for
// the same pair; that violation surfaces as ErrDuplicateLiveTransaction.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	return insertTransaction(ctx, r.db, t)
}

// FindTransactionByID retrieves a transaction by its primary key.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, transactionID))
}

// FindLiveTransaction returns the single in_progress transaction for the
// given (conversation, item) pair, if any.
func (r *PostgresRepository) FindLiveTransaction(ctx context.Context, conversationID, itemID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE conversation_id = $1 AND item_id = $2 AND status = 'in_progress'`
	return scanTransaction(r.db.QueryRow(ctx, query, conversationID, itemID))
}

// FindTransactionsByConversation lists every transaction tied to a
// conversation, newest first. Terminal transactions are included; they are
// audit records.
func (r *PostgresRepository) FindTransactionsByConversation(ctx context.Context, conversationID uuid.UUID) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE conversation_id = $1
		ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions by conversation: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTransactionMeetup persists the meetup fields of an in_progress
// transaction.
func (r *PostgresRepository) UpdateTransactionMeetup(ctx context.Context, t *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET meetup_time = $2, meetup_place = $3, meetup_lat = $4, meetup_lng = $5
		WHERE id = $1 AND status = 'in_progress'`
	tag, err := r.db.Exec(ctx, query, t.ID, t.MeetupTime, t.MeetupPlace, t.MeetupLat, t.MeetupLng)
	if err != nil {
		return fmt.Errorf("failed to update transaction meetup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateTransactionConfirmations persists the confirmation flags together
// with the status and completion timestamp in one statement, so the quorum
// result and the flags that produced it commit atomically.
func (r *PostgresRepository) UpdateTransactionConfirmations(ctx context.Context, t *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET buyer_confirmed = $2, seller_confirmed = $3,
		    buyer_cancel_confirmed = $4, seller_cancel_confirmed = $5,
		    status = $6, completed_at = $7
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, t.ID,
		t.BuyerConfirmed, t.SellerConfirmed, t.BuyerCancelConfirmed, t.SellerCancelConfirmed,
		t.Status, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction confirmations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
