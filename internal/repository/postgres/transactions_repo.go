package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

// TransactionsRepo is the pgx-backed store of inbound payment events. The
// UNIQUE constraint on kcb_transaction_id is the atomic serialization point
// for concurrent duplicate deliveries.
type TransactionsRepo struct {
	db *pgxpool.Pool
}

func NewTransactionsRepo(db *pgxpool.Pool) *TransactionsRepo {
	return &TransactionsRepo{db: db}
}

const transactionColumns = `
	id, message_id, originator_conversation_id, channel_code, gateway_timestamp,
	bill_reference, mobile_number, amount, reconciled, transaction_date,
	kcb_transaction_id, first_name, middle_name, last_name, currency, narration,
	transaction_type, balance, status, created_at, updated_at
`

func (r *TransactionsRepo) Create(ctx context.Context, tx *models.InboundTransaction) error {
	insertSQL := `
		INSERT INTO kcb_transactions (
			id, message_id, originator_conversation_id, channel_code,
			gateway_timestamp, bill_reference, mobile_number, amount, reconciled,
			transaction_date, kcb_transaction_id, first_name, middle_name,
			last_name, currency, narration, transaction_type, balance, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	_, err := r.db.Exec(ctx, insertSQL,
		tx.ID,
		tx.MessageID,
		tx.OriginatorConversationID,
		tx.ChannelCode,
		tx.Timestamp,
		tx.BillReference,
		tx.MobileNumber,
		tx.Amount,
		tx.Reconciled,
		tx.TransactionDate,
		tx.KCBTransactionID,
		tx.FirstName,
		tx.MiddleName,
		tx.LastName,
		tx.Currency,
		tx.Narration,
		tx.TransactionType,
		tx.Balance,
		tx.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

func (r *TransactionsRepo) Get(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error) {
	return r.findBy(ctx, "id = $1", id)
}

func (r *TransactionsRepo) FindByGatewayID(ctx context.Context, kcbTransactionID string) (*models.InboundTransaction, error) {
	return r.findBy(ctx, "kcb_transaction_id = $1", kcbTransactionID)
}

func (r *TransactionsRepo) findBy(ctx context.Context, where string, arg any) (*models.InboundTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM kcb_transactions WHERE ` + where

	var tx models.InboundTransaction
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&tx.ID,
		&tx.MessageID,
		&tx.OriginatorConversationID,
		&tx.ChannelCode,
		&tx.Timestamp,
		&tx.BillReference,
		&tx.MobileNumber,
		&tx.Amount,
		&tx.Reconciled,
		&tx.TransactionDate,
		&tx.KCBTransactionID,
		&tx.FirstName,
		&tx.MiddleName,
		&tx.LastName,
		&tx.Currency,
		&tx.Narration,
		&tx.TransactionType,
		&tx.Balance,
		&tx.Status,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}

	return &tx, nil
}

func (r *TransactionsRepo) ListUnreconciled(ctx context.Context, filter repository.UnreconciledFilter) ([]models.InboundTransaction, error) {
	var (
		conds = []string{"status IN ('UNRECONCILED', 'PARTLY_RECONCILED')"}
		args  []any
	)

	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.MobileNumber != "" {
		conds = append(conds, "mobile_number LIKE "+arg("%"+filter.MobileNumber+"%"))
	}
	if filter.Amount != nil {
		conds = append(conds, "amount = "+arg(*filter.Amount))
	}
	if filter.OriginatorConversationID != "" {
		conds = append(conds, "originator_conversation_id LIKE "+arg("%"+filter.OriginatorConversationID+"%"))
	}
	if filter.PayerName != "" {
		p := arg("%" + filter.PayerName + "%")
		conds = append(conds, "(first_name ILIKE "+p+" OR middle_name ILIKE "+p+" OR last_name ILIKE "+p+")")
	}
	if filter.FromDate != "" {
		conds = append(conds, "transaction_date >= "+arg(filter.FromDate))
	}
	if filter.ToDate != "" {
		conds = append(conds, "transaction_date <= "+arg(filter.ToDate))
	}

	query := `SELECT ` + transactionColumns + ` FROM kcb_transactions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled transactions: %w", err)
	}
	defer rows.Close()

	var out []models.InboundTransaction
	for rows.Next() {
		var tx models.InboundTransaction
		if err := rows.Scan(
			&tx.ID,
			&tx.MessageID,
			&tx.OriginatorConversationID,
			&tx.ChannelCode,
			&tx.Timestamp,
			&tx.BillReference,
			&tx.MobileNumber,
			&tx.Amount,
			&tx.Reconciled,
			&tx.TransactionDate,
			&tx.KCBTransactionID,
			&tx.FirstName,
			&tx.MiddleName,
			&tx.LastName,
			&tx.Currency,
			&tx.Narration,
			&tx.TransactionType,
			&tx.Balance,
			&tx.Status,
			&tx.CreatedAt,
			&tx.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}

	return out, rows.Err()
}

func (r *TransactionsRepo) Accrue(ctx context.Context, id uuid.UUID, delta decimal.Decimal) (*models.InboundTransaction, error) {
	// Status is recomputed from (amount, reconciled) in the same statement;
	// LEAST keeps reconciled within the amount invariant.
	updateSQL := `
		UPDATE kcb_transactions
		SET reconciled = LEAST(amount, reconciled + $1),
		    status = CASE
		        WHEN reconciled + $1 >= amount THEN 'RECONCILED'
		        WHEN reconciled + $1 > 0 THEN 'PARTLY_RECONCILED'
		        ELSE 'UNRECONCILED'
		    END,
		    updated_at = NOW()
		WHERE id = $2
		RETURNING ` + transactionColumns

	var tx models.InboundTransaction
	err := r.db.QueryRow(ctx, updateSQL, delta, id).Scan(
		&tx.ID,
		&tx.MessageID,
		&tx.OriginatorConversationID,
		&tx.ChannelCode,
		&tx.Timestamp,
		&tx.BillReference,
		&tx.MobileNumber,
		&tx.Amount,
		&tx.Reconciled,
		&tx.TransactionDate,
		&tx.KCBTransactionID,
		&tx.FirstName,
		&tx.MiddleName,
		&tx.LastName,
		&tx.Currency,
		&tx.Narration,
		&tx.TransactionType,
		&tx.Balance,
		&tx.Status,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to accrue reconciled amount: %w", err)
	}

	return &tx, nil
}
