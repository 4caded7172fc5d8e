package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PushRequestStatus represents the lifecycle state of an STK push request.
type PushRequestStatus string

const (
	PushStatusDraft      PushRequestStatus = "DRAFT"
	PushStatusInProgress PushRequestStatus = "IN_PROGRESS"
	PushStatusCompleted  PushRequestStatus = "COMPLETED"
	PushStatusFailed     PushRequestStatus = "FAILED"
)

// IsValidPushTransition checks whether a push request status transition is allowed.
// Completed and Failed are terminal; a request never moves backward.
func IsValidPushTransition(from, to PushRequestStatus) bool {
	validTransitions := map[PushRequestStatus][]PushRequestStatus{
		PushStatusDraft:      {PushStatusInProgress, PushStatusFailed},
		PushStatusInProgress: {PushStatusCompleted, PushStatusFailed},
		PushStatusCompleted:  {},
		PushStatusFailed:     {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// ReferenceKind identifies the type of accounting document an STK push pays.
type ReferenceKind string

const (
	RefPaymentRequest      ReferenceKind = "Payment Request"
	RefSalesInvoice        ReferenceKind = "Sales Invoice"
	RefSalesInvoicePayment ReferenceKind = "Sales Invoice Payment"
)

// DocumentRef is a tagged reference to the accounting document being paid.
type DocumentRef struct {
	Kind ReferenceKind
	ID   string
}

// PushRequest is an outbound STK push attempt. Rows are never deleted;
// they carry the full audit trail of the request including gateway
// correlation ids and the callback result.
type PushRequest struct {
	ID          uuid.UUID       `db:"id"`
	PhoneNumber string          `db:"phone_number"`
	Amount      decimal.Decimal `db:"amount"`
	Currency    string          `db:"currency"`

	// Assigned by the gateway on acknowledgement, unique once set.
	MerchantRequestID *string `db:"merchant_request_id"`
	CheckoutRequestID *string `db:"checkout_request_id"`

	ReferenceKind ReferenceKind `db:"reference_kind"`
	ReferenceID   string        `db:"reference_id"`

	Status PushRequestStatus `db:"status"`

	ResponseCode        *string `db:"response_code"`
	ResponseDescription *string `db:"response_description"`
	CustomerMessage     *string `db:"customer_message"`

	// Populated only on Failed.
	ErrorMessage     *string `db:"error_message"`
	ErrorDescription *string `db:"error_description"`

	// Callback result metadata, populated on Completed.
	MpesaReceiptNumber  *string          `db:"mpesa_receipt_number"`
	TransactionAmount   *decimal.Decimal `db:"transaction_amount"`
	TransactionDate     *string          `db:"transaction_date"`
	CallbackPhoneNumber *string          `db:"callback_phone_number"`

	ResultCode *int    `db:"result_code"`
	ResultDesc *string `db:"result_desc"`

	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}

// ReconStatus represents the reconciliation state of an inbound transaction.
type ReconStatus string

const (
	ReconUnreconciled ReconStatus = "UNRECONCILED"
	ReconPartly       ReconStatus = "PARTLY_RECONCILED"
	ReconReconciled   ReconStatus = "RECONCILED"
	ReconFailed       ReconStatus = "FAILED"
)

// ReconStatusFor derives the reconciliation status from the amount pair.
// Status is a pure function of (amount, reconciled).
func ReconStatusFor(amount, reconciled decimal.Decimal) ReconStatus {
	switch {
	case reconciled.GreaterThanOrEqual(amount):
		return ReconReconciled
	case reconciled.GreaterThan(decimal.Zero):
		return ReconPartly
	default:
		return ReconUnreconciled
	}
}

// InboundTransaction is a single payment event reported by the gateway,
// covering both STK-confirmed pushes and unsolicited C2B till payments.
// KCBTransactionID is the dedup key: exactly one row exists per external
// transaction id. Rows are never deleted.
type InboundTransaction struct {
	ID                       uuid.UUID       `db:"id"`
	MessageID                string          `db:"message_id"`
	OriginatorConversationID string          `db:"originator_conversation_id"`
	ChannelCode              string          `db:"channel_code"`
	Timestamp                string          `db:"gateway_timestamp"`
	BillReference            string          `db:"bill_reference"`
	MobileNumber             string          `db:"mobile_number"`
	Amount                   decimal.Decimal `db:"amount"`
	Reconciled               decimal.Decimal `db:"reconciled"`
	TransactionDate          string          `db:"transaction_date"`
	KCBTransactionID         string          `db:"kcb_transaction_id"`
	FirstName                string          `db:"first_name"`
	MiddleName               string          `db:"middle_name"`
	LastName                 string          `db:"last_name"`
	Currency                 string          `db:"currency"`
	Narration                string          `db:"narration"`
	TransactionType          string          `db:"transaction_type"`
	Balance                  decimal.Decimal `db:"balance"`
	Status                   ReconStatus     `db:"status"`
	CreatedAt                time.Time       `db:"created_at"`
	UpdatedAt                time.Time       `db:"updated_at"`
}

// Reconcilable returns the portion of the transaction not yet applied
// against any invoice.
func (t *InboundTransaction) Reconcilable() decimal.Decimal {
	return t.Amount.Sub(t.Reconciled)
}

// InvoiceSuffix extracts the invoice/order reference embedded in the bill
// reference after the first '#' delimiter ("<till_no>#<ref>"). Additional
// '#' characters belong to the reference. A reference with no delimiter is
// returned whole.
func (t *InboundTransaction) InvoiceSuffix() string {
	return BillReferenceSuffix(t.BillReference)
}

// BillReferenceSuffix returns the substring after the first '#' in a bill
// reference, or the whole string when no delimiter is present.
func BillReferenceSuffix(billReference string) string {
	for i := 0; i < len(billReference); i++ {
		if billReference[i] == '#' {
			return billReference[i+1:]
		}
	}
	return billReference
}

// GatewayCredential holds the API credentials and the cached bearer token.
// Secret and token are encrypted at rest by the repository layer.
type GatewayCredential struct {
	APIKey      string    `db:"api_key"`
	APISecret   string    `db:"api_secret"`
	AccessToken string    `db:"access_token"`
	TokenExpiry time.Time `db:"token_expiry"`
}

// TokenValid reports whether the cached token can still be used, requiring
// it to outlive the safety margin. The margin defends against clock skew
// and in-flight request latency racing token expiry.
func (c *GatewayCredential) TokenValid(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpiry.IsZero() {
		return false
	}
	return now.Before(c.TokenExpiry.Add(-margin))
}
