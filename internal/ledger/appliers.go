package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/models"
)

// PaymentMetadata is the confirmed-transaction detail handed to an applier
// when a solicited payment succeeds.
type PaymentMetadata struct {
	Amount          decimal.Decimal
	ReceiptNumber   string
	TransactionDate string
	PhoneNumber     string
	Currency        string
}

// PaymentApplier owns the payment side effects for one payable document
// kind. Adding a new kind means adding an implementation, not branching in
// the reconciler.
type PaymentApplier interface {
	Kind() models.ReferenceKind
	ApplyPayment(ctx context.Context, cred Credential, docID string, meta PaymentMetadata) error
}

// ApplierRegistry dispatches a tagged document reference to the applier
// owning its kind.
type ApplierRegistry struct {
	appliers map[models.ReferenceKind]PaymentApplier
}

func NewApplierRegistry(appliers ...PaymentApplier) *ApplierRegistry {
	m := make(map[models.ReferenceKind]PaymentApplier, len(appliers))
	for _, a := range appliers {
		m[a.Kind()] = a
	}
	return &ApplierRegistry{appliers: m}
}

func (r *ApplierRegistry) Apply(ctx context.Context, cred Credential, ref models.DocumentRef, meta PaymentMetadata) error {
	applier, ok := r.appliers[ref.Kind]
	if !ok {
		return fmt.Errorf("%w: no payment applier for document kind %q", ErrLedger, ref.Kind)
	}
	return applier.ApplyPayment(ctx, cred, ref.ID, meta)
}

// paymentAlreadyRecorded reports whether a ledger payment entry already
// carries this receipt number. A redelivered callback that failed partway
// through its side-effect sequence must not pay the invoice twice.
func paymentAlreadyRecorded(ctx context.Context, client Client, cred Credential, meta PaymentMetadata) (bool, error) {
	if meta.ReceiptNumber == "" {
		return false, nil
	}
	existing, err := client.FindPaymentEntryByReference(ctx, cred, meta.ReceiptNumber)
	if err != nil {
		return false, err
	}
	return existing != "", nil
}

// Defaults carries the accounting configuration shared by the appliers.
type Defaults struct {
	Company       string
	ModeOfPayment string
}

// SalesInvoiceApplier pays a sales invoice: submits it if still draft, then
// creates a ledger payment allocated against it.
type SalesInvoiceApplier struct {
	client   Client
	defaults Defaults
}

func NewSalesInvoiceApplier(client Client, defaults Defaults) *SalesInvoiceApplier {
	return &SalesInvoiceApplier{client: client, defaults: defaults}
}

func (a *SalesInvoiceApplier) Kind() models.ReferenceKind { return models.RefSalesInvoice }

func (a *SalesInvoiceApplier) ApplyPayment(ctx context.Context, cred Credential, docID string, meta PaymentMetadata) error {
	if done, err := paymentAlreadyRecorded(ctx, a.client, cred, meta); done || err != nil {
		return err
	}

	invoice, err := a.client.GetInvoice(ctx, cred, docID)
	if err != nil {
		return err
	}

	if invoice.Draft {
		if err := a.client.SubmitDocument(ctx, cred, models.RefSalesInvoice, docID); err != nil {
			return err
		}
	}

	allocated := meta.Amount
	if invoice.OutstandingAmount.GreaterThan(decimal.Zero) && allocated.GreaterThan(invoice.OutstandingAmount) {
		allocated = invoice.OutstandingAmount
	}

	_, err = a.client.CreatePaymentEntry(ctx, cred, PaymentEntryParams{
		Company:       a.defaults.Company,
		Customer:      invoice.Customer,
		Currency:      meta.Currency,
		ModeOfPayment: a.defaults.ModeOfPayment,
		Amount:        meta.Amount,
		ReferenceNo:   meta.ReceiptNumber,
		ReferenceDate: meta.TransactionDate,
		Allocations: []InvoiceAllocation{{
			InvoiceName:       invoice.Name,
			DueDate:           invoice.DueDate,
			OutstandingAmount: invoice.OutstandingAmount,
			AllocatedAmount:   allocated,
		}},
	})
	return err
}

// PaymentRequestApplier settles a payment request: pays the invoice it
// references and marks the request itself paid.
type PaymentRequestApplier struct {
	client   Client
	invoices *SalesInvoiceApplier
	// resolve maps a payment request id to the invoice it collects for.
	resolve func(ctx context.Context, cred Credential, requestID string) (string, error)
}

func NewPaymentRequestApplier(client Client, invoices *SalesInvoiceApplier, resolve func(ctx context.Context, cred Credential, requestID string) (string, error)) *PaymentRequestApplier {
	return &PaymentRequestApplier{client: client, invoices: invoices, resolve: resolve}
}

func (a *PaymentRequestApplier) Kind() models.ReferenceKind { return models.RefPaymentRequest }

func (a *PaymentRequestApplier) ApplyPayment(ctx context.Context, cred Credential, docID string, meta PaymentMetadata) error {
	invoiceID, err := a.resolve(ctx, cred, docID)
	if err != nil {
		return err
	}

	if err := a.invoices.ApplyPayment(ctx, cred, invoiceID, meta); err != nil {
		return err
	}

	return a.client.MarkPaid(ctx, cred, models.RefPaymentRequest, docID)
}

// SalesInvoicePaymentApplier records an additional payment against an
// already-submitted invoice without touching its submission state.
type SalesInvoicePaymentApplier struct {
	client   Client
	defaults Defaults
}

func NewSalesInvoicePaymentApplier(client Client, defaults Defaults) *SalesInvoicePaymentApplier {
	return &SalesInvoicePaymentApplier{client: client, defaults: defaults}
}

func (a *SalesInvoicePaymentApplier) Kind() models.ReferenceKind { return models.RefSalesInvoicePayment }

func (a *SalesInvoicePaymentApplier) ApplyPayment(ctx context.Context, cred Credential, docID string, meta PaymentMetadata) error {
	if done, err := paymentAlreadyRecorded(ctx, a.client, cred, meta); done || err != nil {
		return err
	}

	invoice, err := a.client.GetInvoice(ctx, cred, docID)
	if err != nil {
		return err
	}

	allocated := meta.Amount
	if invoice.OutstandingAmount.GreaterThan(decimal.Zero) && allocated.GreaterThan(invoice.OutstandingAmount) {
		allocated = invoice.OutstandingAmount
	}

	_, err = a.client.CreatePaymentEntry(ctx, cred, PaymentEntryParams{
		Company:       a.defaults.Company,
		Customer:      invoice.Customer,
		Currency:      meta.Currency,
		ModeOfPayment: a.defaults.ModeOfPayment,
		Amount:        meta.Amount,
		ReferenceNo:   meta.ReceiptNumber,
		ReferenceDate: meta.TransactionDate,
		Allocations: []InvoiceAllocation{{
			InvoiceName:       invoice.Name,
			DueDate:           invoice.DueDate,
			OutstandingAmount: invoice.OutstandingAmount,
			AllocatedAmount:   allocated,
		}},
	})
	return err
}
