package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

const uniqueViolation = "23505"

// PushRequestsRepo is the pgx-backed store of outbound STK push attempts.
type PushRequestsRepo struct {
	db *pgxpool.Pool
}

func NewPushRequestsRepo(db *pgxpool.Pool) *PushRequestsRepo {
	return &PushRequestsRepo{db: db}
}

const pushRequestColumns = `
	id, phone_number, amount, currency, merchant_request_id, checkout_request_id,
	reference_kind, reference_id, status, response_code, response_description,
	customer_message, error_message, error_description, mpesa_receipt_number,
	transaction_amount, transaction_date, callback_phone_number, result_code,
	result_desc, created_at, updated_at, resolved_at
`

func (r *PushRequestsRepo) Create(ctx context.Context, req *models.PushRequest) error {
	insertSQL := `
		INSERT INTO push_requests (
			id, phone_number, amount, currency, reference_kind, reference_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, insertSQL,
		req.ID,
		req.PhoneNumber,
		req.Amount,
		req.Currency,
		req.ReferenceKind,
		req.ReferenceID,
		req.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert push request: %w", err)
	}

	return nil
}

func (r *PushRequestsRepo) Get(ctx context.Context, id uuid.UUID) (*models.PushRequest, error) {
	return r.findBy(ctx, "id = $1", id)
}

func (r *PushRequestsRepo) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.PushRequest, error) {
	return r.findBy(ctx, "merchant_request_id = $1", merchantRequestID)
}

func (r *PushRequestsRepo) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PushRequest, error) {
	return r.findBy(ctx, "checkout_request_id = $1", checkoutRequestID)
}

func (r *PushRequestsRepo) FindCompletedByReceipt(ctx context.Context, mpesaReceiptNumber string) (*models.PushRequest, error) {
	return r.findBy(ctx, "mpesa_receipt_number = $1 AND status = 'COMPLETED'", mpesaReceiptNumber)
}

func (r *PushRequestsRepo) findBy(ctx context.Context, where string, arg any) (*models.PushRequest, error) {
	query := `SELECT ` + pushRequestColumns + ` FROM push_requests WHERE ` + where

	var req models.PushRequest
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&req.ID,
		&req.PhoneNumber,
		&req.Amount,
		&req.Currency,
		&req.MerchantRequestID,
		&req.CheckoutRequestID,
		&req.ReferenceKind,
		&req.ReferenceID,
		&req.Status,
		&req.ResponseCode,
		&req.ResponseDescription,
		&req.CustomerMessage,
		&req.ErrorMessage,
		&req.ErrorDescription,
		&req.MpesaReceiptNumber,
		&req.TransactionAmount,
		&req.TransactionDate,
		&req.CallbackPhoneNumber,
		&req.ResultCode,
		&req.ResultDesc,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query push request: %w", err)
	}

	return &req, nil
}

func (r *PushRequestsRepo) MarkSubmitted(ctx context.Context, id uuid.UUID, ack repository.SubmittedAck) error {
	updateSQL := `
		UPDATE push_requests
		SET status = 'IN_PROGRESS',
		    merchant_request_id = $1,
		    checkout_request_id = $2,
		    response_code = $3,
		    response_description = $4,
		    customer_message = $5,
		    error_message = NULL,
		    error_description = NULL,
		    updated_at = NOW()
		WHERE id = $6 AND status = 'DRAFT'
	`

	result, err := r.db.Exec(ctx, updateSQL,
		ack.MerchantRequestID,
		ack.CheckoutRequestID,
		ack.ResponseCode,
		ack.ResponseDescription,
		ack.CustomerMessage,
		id,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to mark push request submitted: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func (r *PushRequestsRepo) MarkFailed(ctx context.Context, id uuid.UUID, failure repository.PushFailure) error {
	updateSQL := `
		UPDATE push_requests
		SET status = 'FAILED',
		    response_code = $1,
		    error_message = $2,
		    error_description = $3,
		    updated_at = NOW(),
		    resolved_at = NOW()
		WHERE id = $4 AND status IN ('DRAFT', 'IN_PROGRESS')
	`

	result, err := r.db.Exec(ctx, updateSQL, failure.ResponseCode, failure.Message, failure.Description, id)
	if err != nil {
		return fmt.Errorf("failed to mark push request failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func (r *PushRequestsRepo) Complete(ctx context.Context, id uuid.UUID, res repository.CallbackResult) error {
	// The status guard makes completion idempotent under duplicate
	// callback delivery: a second update finds no IN_PROGRESS row.
	updateSQL := `
		UPDATE push_requests
		SET status = 'COMPLETED',
		    result_code = $1,
		    result_desc = $2,
		    transaction_amount = $3,
		    mpesa_receipt_number = $4,
		    transaction_date = $5,
		    callback_phone_number = $6,
		    updated_at = NOW(),
		    resolved_at = NOW()
		WHERE id = $7 AND status = 'IN_PROGRESS'
	`

	result, err := r.db.Exec(ctx, updateSQL,
		res.ResultCode,
		res.ResultDesc,
		res.Amount,
		res.MpesaReceiptNumber,
		res.TransactionDate,
		res.PhoneNumber,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete push request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func (r *PushRequestsRepo) MarkCallbackFailed(ctx context.Context, id uuid.UUID, resultCode int, resultDesc string) error {
	updateSQL := `
		UPDATE push_requests
		SET status = 'FAILED',
		    result_code = $1,
		    result_desc = $2,
		    updated_at = NOW(),
		    resolved_at = NOW()
		WHERE id = $3 AND status = 'IN_PROGRESS'
	`

	result, err := r.db.Exec(ctx, updateSQL, resultCode, resultDesc, id)
	if err != nil {
		return fmt.Errorf("failed to mark callback failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}
