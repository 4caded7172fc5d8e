// Package ledger is the boundary to the external accounting system. The
// gateway decides when and how many times to invoke ledger mutations; the
// ledger itself owns invoices, payment entries, and allocation.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/models"
)

// ErrLedger marks a mutation the accounting collaborator rejected
// (currency mismatch, missing account configuration, and so on).
var ErrLedger = errors.New("ledger rejected operation")

// Credential is the service-level identity used for ledger calls. It is
// passed explicitly into each reconciliation call and scoped to that one
// inbound-request lifetime; there is no process-wide elevated user.
type Credential struct {
	User  string
	Token string
}

// Invoice is the subset of an outstanding invoice the gateway reads.
type Invoice struct {
	Name              string          `json:"name"`
	Customer          string          `json:"customer"`
	Company           string          `json:"company"`
	Currency          string          `json:"currency"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	DueDate           string          `json:"due_date"`
	PostingDate       string          `json:"posting_date"`
	Draft             bool            `json:"draft"`
}

// InvoiceAllocation is one allocation row of a payment entry.
type InvoiceAllocation struct {
	InvoiceName       string          `json:"reference_name"`
	DueDate           string          `json:"due_date"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	AllocatedAmount   decimal.Decimal `json:"allocated_amount"`
}

// PaymentEntryParams describe a payment entry to create and submit.
type PaymentEntryParams struct {
	Company       string
	Customer      string
	Currency      string
	ModeOfPayment string
	Amount        decimal.Decimal
	// ReferenceNo carries the gateway transaction id for audit.
	ReferenceNo   string
	ReferenceDate string
	// Allocations, when present, apply the payment directly against
	// invoices at creation; otherwise the entry is left unallocated for a
	// later reconciliation pass.
	Allocations []InvoiceAllocation
}

// PaymentEntry is the created ledger payment as read back.
type PaymentEntry struct {
	Name              string              `json:"name"`
	ReferenceNo       string              `json:"reference_no"`
	PaidAmount        decimal.Decimal     `json:"paid_amount"`
	UnallocatedAmount decimal.Decimal     `json:"unallocated_amount"`
	References        []InvoiceAllocation `json:"references"`
}

// AllocatedAmount sums the entry's confirmed allocations. The ledger is
// the system of record for how much of a payment actually applied.
func (pe *PaymentEntry) AllocatedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, ref := range pe.References {
		total = total.Add(ref.AllocatedAmount)
	}
	return total
}

// AllocationRequest asks the ledger's reconciliation primitive to apply a
// set of payment entries against a set of invoices. Allocation order and
// rounding are the ledger's decision.
type AllocationRequest struct {
	Company        string
	Customer       string
	Invoices       []string
	PaymentEntries []string
}

// Client is the document CRUD/submit surface the gateway drives.
type Client interface {
	GetInvoice(ctx context.Context, cred Credential, name string) (*Invoice, error)
	// SubmitDocument finalizes a draft accounting document.
	SubmitDocument(ctx context.Context, cred Credential, doctype models.ReferenceKind, name string) error
	// MarkPaid flags the originating commercial document as paid.
	MarkPaid(ctx context.Context, cred Credential, doctype models.ReferenceKind, name string) error
	// CreatePaymentEntry inserts and submits a payment entry, returning it
	// as persisted by the ledger.
	CreatePaymentEntry(ctx context.Context, cred Credential, params PaymentEntryParams) (*PaymentEntry, error)
	GetPaymentEntry(ctx context.Context, cred Credential, name string) (*PaymentEntry, error)
	// FindPaymentEntryByReference looks up a submitted payment entry by its
	// gateway reference number, returning its name or "" when none exists.
	FindPaymentEntryByReference(ctx context.Context, cred Credential, referenceNo string) (string, error)
	// Allocate runs the ledger's payment-reconciliation primitive.
	Allocate(ctx context.Context, cred Credential, req AllocationRequest) error
}
