package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/ledger"
	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

var (
	// ErrNoInvoices rejects a batch with nothing to allocate against.
	ErrNoInvoices = errors.New("no invoices provided")
	// ErrTransactionUsedUp rejects a transaction with no reconcilable
	// amount left. Raised before any ledger call is made.
	ErrTransactionUsedUp = errors.New("transaction has been used up, cannot be used for further reconciliation")
	// ErrAlreadyReconciled rejects single-payment processing of a fully
	// reconciled transaction.
	ErrAlreadyReconciled = errors.New("payment has already been reconciled")
	// ErrInvoicePaid rejects applying a payment to a settled invoice.
	ErrInvoicePaid = errors.New("invoice is already fully paid")
	// ErrCurrencyMismatch rejects applying a payment across currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch between payment and invoice")
	// ErrNothingToAllocate aborts a batch in which every payment-entry
	// creation was skipped.
	ErrNothingToAllocate = errors.New("no payment entries could be created")
)

// ManualEngine lets an operator batch-apply unreconciled inbound payments
// against outstanding invoices through the ledger's allocation primitive.
type ManualEngine struct {
	transactions repository.Transactions
	ledger       ledger.Client
	defaults     ledger.Defaults
	logger       *slog.Logger
}

func NewManualEngine(transactions repository.Transactions, client ledger.Client, defaults ledger.Defaults, logger *slog.Logger) *ManualEngine {
	return &ManualEngine{
		transactions: transactions,
		ledger:       client,
		defaults:     defaults,
		logger:       logger,
	}
}

// SkippedItem records a batch member that failed and was left out.
type SkippedItem struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason"`
}

// BatchResult reports what a reconciliation batch actually did.
type BatchResult struct {
	PaymentEntries []string                    `json:"payment_entries"`
	Skipped        []SkippedItem               `json:"skipped,omitempty"`
	Transactions   []models.InboundTransaction `json:"transactions"`
}

// Reconcile applies the selected transactions against the selected
// invoices in two phases: create one unallocated ledger payment per
// transaction for its full reconcilable amount, run the ledger's
// allocation primitive, then accrue the ledger-confirmed applied amounts
// back onto each transaction. The ledger decides allocation order and
// rounding; only what it confirms is accrued.
//
// The whole batch is rejected up front, before any ledger call, when any
// selected transaction has no reconcilable amount left. A failure of the
// final allocation aborts the batch; payment entries created before the
// failure are not rolled back and remain visible to the operator as
// unallocated ledger payments.
func (e *ManualEngine) Reconcile(ctx context.Context, cred ledger.Credential, transactionIDs []uuid.UUID, invoiceNames []string) (*BatchResult, error) {
	if len(invoiceNames) == 0 {
		return nil, ErrNoInvoices
	}

	// Phase 0: load and guard every selected transaction before touching
	// the ledger.
	selected := make([]*models.InboundTransaction, 0, len(transactionIDs))
	for _, id := range transactionIDs {
		tx, err := e.transactions.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading transaction %s: %w", id, err)
		}
		if !tx.Reconcilable().GreaterThan(decimal.Zero) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionUsedUp)
		}
		selected = append(selected, tx)
	}

	// The batch allocates against one customer's invoices; the first
	// invoice names the party and company.
	firstInvoice, err := e.ledger.GetInvoice(ctx, cred, invoiceNames[0])
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	entryByTx := make(map[uuid.UUID]string, len(selected))

	// Phase 1: one ledger payment per transaction, at its full
	// reconcilable amount, referencing the gateway transaction id.
	// Individual failures are logged and skipped; the rest of the batch
	// proceeds.
	for _, tx := range selected {
		entry, err := e.ledger.CreatePaymentEntry(ctx, cred, ledger.PaymentEntryParams{
			Company:       e.defaults.Company,
			Customer:      firstInvoice.Customer,
			Currency:      tx.Currency,
			ModeOfPayment: e.defaults.ModeOfPayment,
			Amount:        tx.Reconcilable(),
			ReferenceNo:   tx.KCBTransactionID,
			ReferenceDate: tx.TransactionDate,
		})
		if err != nil {
			e.logger.Error("manual reconciliation: payment entry creation failed, skipping transaction",
				"transaction_id", tx.ID,
				"kcb_transaction_id", tx.KCBTransactionID,
				"error", err,
			)
			result.Skipped = append(result.Skipped, SkippedItem{TransactionID: tx.ID, Reason: err.Error()})
			continue
		}
		entryByTx[tx.ID] = entry.Name
		result.PaymentEntries = append(result.PaymentEntries, entry.Name)
	}

	if len(result.PaymentEntries) == 0 {
		return result, ErrNothingToAllocate
	}

	// Phase 2: the ledger's allocation primitive. A failure here aborts
	// the batch; the payments created above are orphaned, not rolled back.
	err = e.ledger.Allocate(ctx, cred, ledger.AllocationRequest{
		Company:        e.defaults.Company,
		Customer:       firstInvoice.Customer,
		Invoices:       invoiceNames,
		PaymentEntries: result.PaymentEntries,
	})
	if err != nil {
		e.logger.Error("manual reconciliation: allocation failed, batch aborted",
			"payment_entries", result.PaymentEntries,
			"error", err,
		)
		return result, fmt.Errorf("reconciliation failed: %w", err)
	}

	// Phase 3: accrue only the amounts the ledger confirms as applied.
	for _, tx := range selected {
		entryName, ok := entryByTx[tx.ID]
		if !ok {
			continue
		}

		entry, err := e.ledger.GetPaymentEntry(ctx, cred, entryName)
		if err != nil {
			e.logger.Error("manual reconciliation: failed to read back payment entry",
				"transaction_id", tx.ID,
				"payment_entry", entryName,
				"error", err,
			)
			result.Skipped = append(result.Skipped, SkippedItem{TransactionID: tx.ID, Reason: err.Error()})
			continue
		}

		allocated := entry.AllocatedAmount()
		if !allocated.GreaterThan(decimal.Zero) {
			continue
		}

		updated, err := e.transactions.Accrue(ctx, tx.ID, allocated)
		if err != nil {
			e.logger.Error("manual reconciliation: failed to accrue reconciled amount",
				"transaction_id", tx.ID,
				"allocated", allocated,
				"error", err,
			)
			result.Skipped = append(result.Skipped, SkippedItem{TransactionID: tx.ID, Reason: err.Error()})
			continue
		}

		e.logger.Info("manual reconciliation: transaction accrued",
			"transaction_id", tx.ID,
			"payment_entry", entryName,
			"allocated", allocated,
			"status", updated.Status,
		)
		result.Transactions = append(result.Transactions, *updated)
	}

	return result, nil
}

// ApplyToInvoice applies a single inbound transaction against a single
// invoice, capping the allocation at the smaller of the transaction's
// reconcilable amount and the invoice's outstanding amount.
func (e *ManualEngine) ApplyToInvoice(ctx context.Context, cred ledger.Credential, transactionID uuid.UUID, invoiceName string) (*models.InboundTransaction, string, error) {
	tx, err := e.transactions.Get(ctx, transactionID)
	if err != nil {
		return nil, "", fmt.Errorf("loading transaction %s: %w", transactionID, err)
	}
	if tx.Status == models.ReconReconciled {
		return nil, "", ErrAlreadyReconciled
	}

	reconcilable := tx.Reconcilable()
	if !reconcilable.GreaterThan(decimal.Zero) {
		return nil, "", ErrTransactionUsedUp
	}

	invoice, err := e.ledger.GetInvoice(ctx, cred, invoiceName)
	if err != nil {
		return nil, "", err
	}
	if !invoice.OutstandingAmount.GreaterThan(decimal.Zero) {
		return nil, "", ErrInvoicePaid
	}
	if tx.Currency != "" && invoice.Currency != "" && tx.Currency != invoice.Currency {
		return nil, "", fmt.Errorf("%w: payment %s, invoice %s", ErrCurrencyMismatch, tx.Currency, invoice.Currency)
	}

	allocated := reconcilable
	if allocated.GreaterThan(invoice.OutstandingAmount) {
		allocated = invoice.OutstandingAmount
	}

	entry, err := e.ledger.CreatePaymentEntry(ctx, cred, ledger.PaymentEntryParams{
		Company:       e.defaults.Company,
		Customer:      invoice.Customer,
		Currency:      invoice.Currency,
		ModeOfPayment: e.defaults.ModeOfPayment,
		Amount:        reconcilable,
		ReferenceNo:   tx.KCBTransactionID,
		ReferenceDate: tx.TransactionDate,
		Allocations: []ledger.InvoiceAllocation{{
			InvoiceName:       invoice.Name,
			DueDate:           invoice.DueDate,
			OutstandingAmount: invoice.OutstandingAmount,
			AllocatedAmount:   allocated,
		}},
	})
	if err != nil {
		return nil, "", err
	}

	updated, err := e.transactions.Accrue(ctx, tx.ID, allocated)
	if err != nil {
		return nil, entry.Name, fmt.Errorf("payment entry %s created but accrual failed: %w", entry.Name, err)
	}

	e.logger.Info("payment applied to invoice",
		"transaction_id", tx.ID,
		"invoice", invoice.Name,
		"payment_entry", entry.Name,
		"allocated", allocated,
		"status", updated.Status,
	)
	return updated, entry.Name, nil
}
