package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	// For inbound transactions this is the storage-level serialization
	// point for concurrent duplicate deliveries.
	ErrDuplicate = errors.New("duplicate record")
)

// SubmittedAck carries the gateway acknowledgement stored when a push
// request transitions Draft -> InProgress.
type SubmittedAck struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// PushFailure carries the diagnostic stored when a push request
// transitions to Failed.
type PushFailure struct {
	ResponseCode string
	Message      string
	Description  string
}

// CallbackResult carries the STK callback outcome stored when a push
// request completes.
type CallbackResult struct {
	ResultCode         int
	ResultDesc         string
	Amount             decimal.Decimal
	MpesaReceiptNumber string
	TransactionDate    string
	PhoneNumber        string
}

// PushRequests persists outbound STK push attempts.
type PushRequests interface {
	Create(ctx context.Context, req *models.PushRequest) error
	Get(ctx context.Context, id uuid.UUID) (*models.PushRequest, error)
	// FindByMerchantRequestID / FindByCheckoutRequestID back the
	// correlation lookup; callers try the merchant id first.
	FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.PushRequest, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PushRequest, error)
	// FindCompletedByReceipt finds a Completed request whose receipt
	// number matches, for IPN auto-matching.
	FindCompletedByReceipt(ctx context.Context, mpesaReceiptNumber string) (*models.PushRequest, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, ack SubmittedAck) error
	MarkFailed(ctx context.Context, id uuid.UUID, failure PushFailure) error
	Complete(ctx context.Context, id uuid.UUID, result CallbackResult) error
	MarkCallbackFailed(ctx context.Context, id uuid.UUID, resultCode int, resultDesc string) error
}

// UnreconciledFilter narrows the operator listing of open transactions.
type UnreconciledFilter struct {
	PayerName                string
	MobileNumber             string
	Amount                   *decimal.Decimal
	OriginatorConversationID string
	FromDate                 string
	ToDate                   string
}

// Transactions persists inbound payment events.
type Transactions interface {
	// Create inserts a new transaction. ErrDuplicate is returned when a
	// row with the same gateway transaction id already exists.
	Create(ctx context.Context, tx *models.InboundTransaction) error
	Get(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error)
	FindByGatewayID(ctx context.Context, kcbTransactionID string) (*models.InboundTransaction, error)
	ListUnreconciled(ctx context.Context, filter UnreconciledFilter) ([]models.InboundTransaction, error)
	// Accrue adds delta to the reconciled amount and recomputes the
	// status from (amount, reconciled). Reconciled never exceeds amount.
	Accrue(ctx context.Context, id uuid.UUID, delta decimal.Decimal) (*models.InboundTransaction, error)
}

// Credentials persists the gateway credential record, secrets encrypted
// at rest.
type Credentials interface {
	Get(ctx context.Context) (*models.GatewayCredential, error)
	SaveToken(ctx context.Context, token string, expiry time.Time) error
}
