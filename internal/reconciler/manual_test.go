package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/ledger"
	"github.com/kcb-payments-gateway/internal/models"
)

func newTestEngine(transactions *memTransactions, lc *mockLedger) *ManualEngine {
	return NewManualEngine(transactions, lc, ledger.Defaults{
		Company:       "Acme Ltd",
		ModeOfPayment: "Mpesa C2B",
	}, slog.Default())
}

func unreconciledTx(transactions *memTransactions, gatewayID, amount string) *models.InboundTransaction {
	return transactions.add(&models.InboundTransaction{
		ID:               uuid.New(),
		KCBTransactionID: gatewayID,
		Amount:           decimal.RequireFromString(amount),
		Reconciled:       decimal.Zero,
		Currency:         "KES",
		TransactionDate:  "2026-08-28",
		Status:           models.ReconUnreconciled,
	})
}

func addInvoice(lc *mockLedger, name, outstanding string) {
	lc.invoices[name] = &ledger.Invoice{
		Name:              name,
		Customer:          "Jane Doe",
		Company:           "Acme Ltd",
		Currency:          "KES",
		OutstandingAmount: decimal.RequireFromString(outstanding),
	}
}

func TestReconcileHappyPath(t *testing.T) {
	transactions := newMemTransactions()
	lc := newMockLedger()
	engine := newTestEngine(transactions, lc)

	tx1 := unreconciledTx(transactions, "FTR1", "100")
	tx2 := unreconciledTx(transactions, "FTR2", "250")
	addInvoice(lc, "SINV-0001", "350")

	result, err := engine.Reconcile(context.Background(), ledger.Credential{},
		[]uuid.UUID{tx1.ID, tx2.ID}, []string{"SINV-0001"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(result.PaymentEntries) != 2 {
		t.Fatalf("%d payment entries created, want 2", len(result.PaymentEntries))
	}
	if lc.allocateCalls != 1 {
		t.Errorf("Allocate called %d times, want 1", lc.allocateCalls)
	}
	if got := lc.lastAllocation.Invoices; len(got) != 1 || got[0] != "SINV-0001" {
		t.Errorf("allocation invoices = %v", got)
	}

	// The created entries reference the gateway transaction ids.
	entry := lc.entries[result.PaymentEntries[0]]
	if entry.ReferenceNo != "FTR1" {
		t.Errorf("entry reference = %q, want FTR1", entry.ReferenceNo)
	}
	if !entry.PaidAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("entry amount = %s, want full reconcilable 100", entry.PaidAmount)
	}

	for _, tx := range []*models.InboundTransaction{tx1, tx2} {
		stored, _ := transactions.Get(context.Background(), tx.ID)
		if stored.Status != models.ReconReconciled {
			t.Errorf("transaction %s status = %s, want RECONCILED", tx.KCBTransactionID, stored.Status)
		}
		if !stored.Reconciled.Equal(stored.Amount) {
			t.Errorf("transaction %s reconciled = %s, want %s", tx.KCBTransactionID, stored.Reconciled, stored.Amount)
		}
	}
}

func TestReconcileRejectsUsedUpTransactionBeforeLedgerCalls(t *testing.T) {
	transactions := newMemTransactions()
	lc := newMockLedger()
	engine := newTestEngine(transactions, lc)

	good := unreconciledTx(transactions, "FTR1", "100")
	spent := transactions.add(&models.InboundTransaction{
		ID:               uuid.New(),
		KCBTransactionID: "FTR2",
		Amount:           decimal.NewFromInt(50),
		Reconciled:       decimal.NewFromInt(50),
		Status:           models.ReconReconciled,
	})
	addInvoice(lc, "SINV-0001", "150")

	_, err := engine.Reconcile(context.Background(), ledger.Credential{},
		[]uuid.UUID{good.ID, spent.ID}, []string{"SINV-0001"})
	if !errors.Is(err, ErrTransactionUsedUp) {
		t.Fatalf("err = %v, want ErrTransactionUsedUp", err)
	}

	// The whole batch is rejected before any ledger call.
	if lc.createCalls != 0 || lc.allocateCalls != 0 {
		t.Errorf("ledger touched (%d creates, %d allocates) despite upfront rejection",
			lc.createCalls, lc.allocateCalls)
	}

	stored, _ := transactions.Get(context.Background(), good.ID)
	if !stored.Reconciled.IsZero() {
		t.Errorf("good transaction accrued %s in a rejected batch", stored.Reconciled)
	}
}

func TestReconcileRequiresInvoices(t *testing.T) {
	engine := newTestEngine(newMemTransactions(), newMockLedger())

	_, err := engine.Reconcile(context.Background(), ledger.Credential{}, []uuid.UUID{uuid.New()}, nil)
	if !errors.Is(err, ErrNoInvoices) {
		t.Fatalf("err = %v, want ErrNoInvoices", err)
	}
}

func TestReconcileSkipsFailedEntryCreation(t *testing.T) {
	transactions := newMemTransactions()
	lc := newMockLedger()
	engine := newTestEngine(transactions, lc)

	tx1 := unreconciledTx(transactions, "FTR1", "100")
	tx2 := unreconciledTx(transactions, "FTR2", "250")
	addInvoice(lc, "SINV-0001", "350")

	lc.createEntryHook = func(params ledger.PaymentEntryParams) error {
		if params.ReferenceNo == "FTR1" {
			return fmt.Errorf("%w: account frozen", ledger.ErrLedger)
		}
		return nil
	}

	result, err := engine.Reconcile(context.Background(), ledger.Credential{},
		[]uuid.UUID{tx1.ID, tx2.ID}, []string{"SINV-0001"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(result.PaymentEntries) != 1 {
		t.Fatalf("%d entries created, want 1 (first skipped)", len(result.PaymentEntries))
	}
	if len(result.Skipped) != 1 || result.Skipped[0].TransactionID != tx1.ID {
		t.Errorf("skipped = %+v, want tx1", result.Skipped)
	}

	// The failed transaction accrued nothing; the surviving one fully.
	stored1, _ := transactions.Get(context.Background(), tx1.ID)
	if !stored1.Reconciled.IsZero() {
		t.Errorf("skipped transaction accrued %s", stored1.Reconciled)
	}
	stored2, _ := transactions.Get(context.Background(), tx2.ID)
	if stored2.Status != models.ReconReconciled {
		t.Errorf("surviving transaction status = %s, want RECONCILED", stored2.Status)
	}
}

func TestReconcileAllEntriesFailed(t *testing.T) {
	transactions := newMemTransactions()
	lc := newMockLedger()
	engine := newTestEngine(transactions, lc)

	tx := unreconciledTx(transactions, "FTR1", "100")
	addInvoice(lc, "SINV-0001", "100")
	lc.createEntryHook = func(ledger.PaymentEntryParams) error {
		return fmt.Errorf("%w: account frozen", ledger.ErrLedger)
	}

	_, err := engine.Reconcile(context.Background(), ledger.Credential{},
		[]uuid.UUID{tx.ID}, []string{"SINV-0001"})
	if !errors.Is(err, ErrNothingToAllocate) {
		t.Fatalf("err = %v, want ErrNothingToAllocate", err)
	}
	if lc.allocateCalls != 0 {
		t.Errorf("Allocate called with no entries")
	}
}

func TestReconcileAllocateFailureAbortsBatch(t *testing.T) {
	transactions := newMemTransactions()
	lc := newMockLedger()
	engine := newTestEngine(transactions, lc)

	tx := unreconciledTx(transactions, "FTR1", "100")
	addInvoice(lc, "SINV-0001", "100")
	lc.allocateErr = fmt.Errorf("%w: reconciliation rejected", ledger.ErrLedger)

	result, err := engine.Reconcile(context.Background(), ledger.Credential{},
		[]uuid.UUID{tx.ID}, []string{"SINV-0001"})
	if !errors.Is(err, ledger.ErrLedger) {
		t.Fatalf("err = %v, want wrapped ErrLedger", err)
	}

	// Entries created before the failure are reported, not rolled back.
	if len(result.PaymentEntries) != 1 {
		t.Errorf("%d entries in result, want the orphaned 1", len(result.PaymentEntries))
	}

	stored, _ := transactions.Get(context.Background(), tx.ID)
	if !stored.Reconciled.IsZero() {
		t.Errorf("reconciled = %s after aborted batch, want 0", stored.Reconciled)
	}
}

func TestReconcileAccruesOnlyLedgerConfirmedAmounts(t *testing.T) {
	transactions := newMemTransactions()
	lc := newMockLedger()
	engine := newTestEngine(transactions, lc)

	tx := unreconciledTx(transactions, "FTR1", "100")
	addInvoice(lc, "SINV-0001", "60")

	// The ledger only applies 60 of the 100 payment.
	lc.allocations = map[string]decimal.Decimal{"FTR1": decimal.NewFromInt(60)}

	_, err := engine.Reconcile(context.Background(), ledger.Credential{},
		[]uuid.UUID{tx.ID}, []string{"SINV-0001"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	stored, _ := transactions.Get(context.Background(), tx.ID)
	if !stored.Reconciled.Equal(decimal.NewFromInt(60)) {
		t.Errorf("reconciled = %s, want the ledger-confirmed 60", stored.Reconciled)
	}
	if stored.Status != models.ReconPartly {
		t.Errorf("status = %s, want PARTLY_RECONCILED", stored.Status)
	}
}

func TestApplyToInvoice(t *testing.T) {
	t.Run("caps allocation at outstanding", func(t *testing.T) {
		transactions := newMemTransactions()
		lc := newMockLedger()
		engine := newTestEngine(transactions, lc)

		tx := unreconciledTx(transactions, "FTR1", "100")
		addInvoice(lc, "SINV-0001", "60")

		updated, entryName, err := engine.ApplyToInvoice(context.Background(), ledger.Credential{}, tx.ID, "SINV-0001")
		if err != nil {
			t.Fatalf("ApplyToInvoice: %v", err)
		}
		if entryName == "" {
			t.Error("no payment entry name returned")
		}
		if !updated.Reconciled.Equal(decimal.NewFromInt(60)) {
			t.Errorf("reconciled = %s, want 60 (capped at outstanding)", updated.Reconciled)
		}
		if updated.Status != models.ReconPartly {
			t.Errorf("status = %s, want PARTLY_RECONCILED", updated.Status)
		}
	})

	t.Run("caps allocation at reconcilable", func(t *testing.T) {
		transactions := newMemTransactions()
		lc := newMockLedger()
		engine := newTestEngine(transactions, lc)

		tx := transactions.add(&models.InboundTransaction{
			ID:               uuid.New(),
			KCBTransactionID: "FTR1",
			Amount:           decimal.NewFromInt(100),
			Reconciled:       decimal.NewFromInt(70),
			Currency:         "KES",
			Status:           models.ReconPartly,
		})
		addInvoice(lc, "SINV-0001", "500")

		updated, _, err := engine.ApplyToInvoice(context.Background(), ledger.Credential{}, tx.ID, "SINV-0001")
		if err != nil {
			t.Fatalf("ApplyToInvoice: %v", err)
		}
		if !updated.Reconciled.Equal(decimal.NewFromInt(100)) {
			t.Errorf("reconciled = %s, want 100 (70 + remaining 30)", updated.Reconciled)
		}
		if updated.Status != models.ReconReconciled {
			t.Errorf("status = %s, want RECONCILED", updated.Status)
		}
	})

	t.Run("rejects already reconciled transaction", func(t *testing.T) {
		transactions := newMemTransactions()
		lc := newMockLedger()
		engine := newTestEngine(transactions, lc)

		tx := transactions.add(&models.InboundTransaction{
			ID:         uuid.New(),
			Amount:     decimal.NewFromInt(100),
			Reconciled: decimal.NewFromInt(100),
			Status:     models.ReconReconciled,
		})
		addInvoice(lc, "SINV-0001", "100")

		_, _, err := engine.ApplyToInvoice(context.Background(), ledger.Credential{}, tx.ID, "SINV-0001")
		if !errors.Is(err, ErrAlreadyReconciled) {
			t.Fatalf("err = %v, want ErrAlreadyReconciled", err)
		}
		if lc.createCalls != 0 {
			t.Error("payment entry created for a reconciled transaction")
		}
	})

	t.Run("rejects settled invoice", func(t *testing.T) {
		transactions := newMemTransactions()
		lc := newMockLedger()
		engine := newTestEngine(transactions, lc)

		tx := unreconciledTx(transactions, "FTR1", "100")
		addInvoice(lc, "SINV-0001", "0")

		_, _, err := engine.ApplyToInvoice(context.Background(), ledger.Credential{}, tx.ID, "SINV-0001")
		if !errors.Is(err, ErrInvoicePaid) {
			t.Fatalf("err = %v, want ErrInvoicePaid", err)
		}
	})

	t.Run("rejects currency mismatch", func(t *testing.T) {
		transactions := newMemTransactions()
		lc := newMockLedger()
		engine := newTestEngine(transactions, lc)

		tx := unreconciledTx(transactions, "FTR1", "100")
		addInvoice(lc, "SINV-0001", "100")
		lc.invoices["SINV-0001"].Currency = "USD"

		_, _, err := engine.ApplyToInvoice(context.Background(), ledger.Credential{}, tx.ID, "SINV-0001")
		if !errors.Is(err, ErrCurrencyMismatch) {
			t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
		}
		if lc.createCalls != 0 {
			t.Error("payment entry created despite currency mismatch")
		}
	})
}
