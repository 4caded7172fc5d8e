package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/ledger"
	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

// memRequests is an in-memory PushRequests store enforcing the same status
// guards as the SQL implementation.
type memRequests struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.PushRequest
}

func newMemRequests() *memRequests {
	return &memRequests{rows: make(map[uuid.UUID]*models.PushRequest)}
}

func (m *memRequests) add(req *models.PushRequest) *models.PushRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.rows[req.ID] = &cp
	return req
}

func (m *memRequests) Create(ctx context.Context, req *models.PushRequest) error {
	m.add(req)
	return nil
}

func (m *memRequests) Get(ctx context.Context, id uuid.UUID) (*models.PushRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memRequests) findWhere(match func(*models.PushRequest) bool) (*models.PushRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.rows {
		if match(req) {
			cp := *req
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRequests) FindByMerchantRequestID(ctx context.Context, id string) (*models.PushRequest, error) {
	return m.findWhere(func(r *models.PushRequest) bool {
		return r.MerchantRequestID != nil && *r.MerchantRequestID == id
	})
}

func (m *memRequests) FindByCheckoutRequestID(ctx context.Context, id string) (*models.PushRequest, error) {
	return m.findWhere(func(r *models.PushRequest) bool {
		return r.CheckoutRequestID != nil && *r.CheckoutRequestID == id
	})
}

func (m *memRequests) FindCompletedByReceipt(ctx context.Context, receipt string) (*models.PushRequest, error) {
	return m.findWhere(func(r *models.PushRequest) bool {
		return r.Status == models.PushStatusCompleted &&
			r.MpesaReceiptNumber != nil && *r.MpesaReceiptNumber == receipt
	})
}

func (m *memRequests) MarkSubmitted(ctx context.Context, id uuid.UUID, ack repository.SubmittedAck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok || req.Status != models.PushStatusDraft {
		return repository.ErrNotFound
	}
	req.Status = models.PushStatusInProgress
	req.MerchantRequestID = &ack.MerchantRequestID
	req.CheckoutRequestID = &ack.CheckoutRequestID
	return nil
}

func (m *memRequests) MarkFailed(ctx context.Context, id uuid.UUID, failure repository.PushFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok || (req.Status != models.PushStatusDraft && req.Status != models.PushStatusInProgress) {
		return repository.ErrNotFound
	}
	req.Status = models.PushStatusFailed
	req.ErrorMessage = &failure.Message
	return nil
}

func (m *memRequests) Complete(ctx context.Context, id uuid.UUID, res repository.CallbackResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok || req.Status != models.PushStatusInProgress {
		return repository.ErrNotFound
	}
	req.Status = models.PushStatusCompleted
	req.ResultCode = &res.ResultCode
	req.ResultDesc = &res.ResultDesc
	amount := res.Amount
	req.TransactionAmount = &amount
	req.MpesaReceiptNumber = &res.MpesaReceiptNumber
	req.TransactionDate = &res.TransactionDate
	req.CallbackPhoneNumber = &res.PhoneNumber
	return nil
}

func (m *memRequests) MarkCallbackFailed(ctx context.Context, id uuid.UUID, resultCode int, resultDesc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok || req.Status != models.PushStatusInProgress {
		return repository.ErrNotFound
	}
	req.Status = models.PushStatusFailed
	req.ResultCode = &resultCode
	req.ResultDesc = &resultDesc
	return nil
}

// memTransactions is an in-memory Transactions store deduplicating on the
// gateway transaction id, mirroring the unique constraint.
type memTransactions struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*models.InboundTransaction
	byGateway map[string]uuid.UUID

	createErr error
	accrueErr error
}

func newMemTransactions() *memTransactions {
	return &memTransactions{
		rows:      make(map[uuid.UUID]*models.InboundTransaction),
		byGateway: make(map[string]uuid.UUID),
	}
}

func (m *memTransactions) add(tx *models.InboundTransaction) *models.InboundTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.rows[tx.ID] = &cp
	m.byGateway[tx.KCBTransactionID] = tx.ID
	return tx
}

func (m *memTransactions) Create(ctx context.Context, tx *models.InboundTransaction) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byGateway[tx.KCBTransactionID]; exists {
		return repository.ErrDuplicate
	}
	cp := *tx
	m.rows[tx.ID] = &cp
	m.byGateway[tx.KCBTransactionID] = tx.ID
	return nil
}

func (m *memTransactions) Get(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *memTransactions) FindByGatewayID(ctx context.Context, kcbTransactionID string) (*models.InboundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byGateway[kcbTransactionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m.rows[id]
	return &cp, nil
}

func (m *memTransactions) ListUnreconciled(ctx context.Context, filter repository.UnreconciledFilter) ([]models.InboundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InboundTransaction
	for _, tx := range m.rows {
		if tx.Status == models.ReconUnreconciled || tx.Status == models.ReconPartly {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *memTransactions) Accrue(ctx context.Context, id uuid.UUID, delta decimal.Decimal) (*models.InboundTransaction, error) {
	if m.accrueErr != nil {
		return nil, m.accrueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	tx.Reconciled = decimal.Min(tx.Amount, tx.Reconciled.Add(delta))
	tx.Status = models.ReconStatusFor(tx.Amount, tx.Reconciled)
	cp := *tx
	return &cp, nil
}

// countingApplier implements ledger.PaymentApplier
type countingApplier struct {
	kind  models.ReferenceKind
	err   error
	calls int
	last  ledger.PaymentMetadata
}

func (a *countingApplier) Kind() models.ReferenceKind { return a.kind }

func (a *countingApplier) ApplyPayment(ctx context.Context, cred ledger.Credential, docID string, meta ledger.PaymentMetadata) error {
	a.calls++
	a.last = meta
	return a.err
}

// stubVerifier implements SignatureVerifier
type stubVerifier struct {
	ok    bool
	calls int
}

func (v *stubVerifier) Verify(rawPayload []byte, signatureB64 string) bool {
	v.calls++
	return v.ok
}

// mockLedger implements ledger.Client with per-method hooks and counters.
type mockLedger struct {
	invoices map[string]*ledger.Invoice
	entries  map[string]*ledger.PaymentEntry

	// createEntryHook, when set, can fail individual entry creations.
	createEntryHook func(params ledger.PaymentEntryParams) error
	allocateErr     error
	getEntryErr     error
	// allocations overrides the per-entry allocated amount applied by a
	// successful Allocate, keyed by reference number. Entries not listed
	// are allocated in full.
	allocations map[string]decimal.Decimal

	entrySeq       int
	createCalls    int
	allocateCalls  int
	lastAllocation ledger.AllocationRequest
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		invoices: make(map[string]*ledger.Invoice),
		entries:  make(map[string]*ledger.PaymentEntry),
	}
}

func (m *mockLedger) GetInvoice(ctx context.Context, cred ledger.Credential, name string) (*ledger.Invoice, error) {
	inv, ok := m.invoices[name]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s not found", ledger.ErrLedger, name)
	}
	cp := *inv
	return &cp, nil
}

func (m *mockLedger) SubmitDocument(ctx context.Context, cred ledger.Credential, doctype models.ReferenceKind, name string) error {
	return nil
}

func (m *mockLedger) MarkPaid(ctx context.Context, cred ledger.Credential, doctype models.ReferenceKind, name string) error {
	return nil
}

func (m *mockLedger) CreatePaymentEntry(ctx context.Context, cred ledger.Credential, params ledger.PaymentEntryParams) (*ledger.PaymentEntry, error) {
	m.createCalls++
	if m.createEntryHook != nil {
		if err := m.createEntryHook(params); err != nil {
			return nil, err
		}
	}
	m.entrySeq++
	name := fmt.Sprintf("PE-%04d", m.entrySeq)

	allocated := decimal.Zero
	for _, a := range params.Allocations {
		allocated = allocated.Add(a.AllocatedAmount)
	}

	entry := &ledger.PaymentEntry{
		Name:        name,
		ReferenceNo: params.ReferenceNo,
		PaidAmount:  params.Amount,
	}
	if allocated.GreaterThan(decimal.Zero) {
		entry.References = []ledger.InvoiceAllocation{{AllocatedAmount: allocated}}
	}
	m.entries[name] = entry
	cp := *entry
	return &cp, nil
}

func (m *mockLedger) FindPaymentEntryByReference(ctx context.Context, cred ledger.Credential, referenceNo string) (string, error) {
	for name, entry := range m.entries {
		if entry.ReferenceNo == referenceNo {
			return name, nil
		}
	}
	return "", nil
}

func (m *mockLedger) GetPaymentEntry(ctx context.Context, cred ledger.Credential, name string) (*ledger.PaymentEntry, error) {
	if m.getEntryErr != nil {
		return nil, m.getEntryErr
	}
	entry, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: payment entry %s not found", ledger.ErrLedger, name)
	}
	cp := *entry
	return &cp, nil
}

func (m *mockLedger) Allocate(ctx context.Context, cred ledger.Credential, req ledger.AllocationRequest) error {
	m.allocateCalls++
	m.lastAllocation = req
	if m.allocateErr != nil {
		return m.allocateErr
	}
	// Mark created entries allocated: in full unless overridden.
	for _, name := range m.lastAllocation.PaymentEntries {
		entry, ok := m.entries[name]
		if !ok {
			continue
		}
		allocated := entry.PaidAmount
		if override, ok := m.allocations[entry.ReferenceNo]; ok {
			allocated = override
		}
		entry.References = []ledger.InvoiceAllocation{{AllocatedAmount: allocated}}
	}
	return nil
}
