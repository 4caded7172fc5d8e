package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/database"
	"github.com/kcb-payments-gateway/internal/kcb"
	"github.com/kcb-payments-gateway/internal/ledger"
	"github.com/kcb-payments-gateway/internal/metrics"
	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/payment"
	"github.com/kcb-payments-gateway/internal/reconciler"
	"github.com/kcb-payments-gateway/internal/repository"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db             *database.DB
	paymentService *payment.Service
	requests       repository.PushRequests
	transactions   repository.Transactions
	recon          *reconciler.Reconciler
	manual         *reconciler.ManualEngine
	// cred is the service identity every ledger mutation runs under.
	cred      ledger.Credential
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandler creates a new handler instance
func NewHandler(
	db *database.DB,
	paymentService *payment.Service,
	requests repository.PushRequests,
	transactions repository.Transactions,
	recon *reconciler.Reconciler,
	manual *reconciler.ManualEngine,
	cred ledger.Credential,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		db:             db,
		paymentService: paymentService,
		requests:       requests,
		transactions:   transactions,
		recon:          recon,
		manual:         manual,
		cred:           cred,
		validator:      validator.New(),
		logger:         logger,
	}
}

// InitiatePaymentRequest represents the payment initiation request
type InitiatePaymentRequest struct {
	Amount        string `json:"amount" validate:"required"`
	Phone         string `json:"phone" validate:"required"`
	Currency      string `json:"currency" validate:"omitempty,len=3"`
	ReferenceKind string `json:"reference_kind" validate:"required,oneof='Payment Request' 'Sales Invoice' 'Sales Invoice Payment'"`
	ReferenceID   string `json:"reference_id" validate:"required"`
	Description   string `json:"description" validate:"omitempty,max=140"`
}

// pushRequestView is the external shape of a push request record.
type pushRequestView struct {
	ID                  uuid.UUID                `json:"id"`
	PhoneNumber         string                   `json:"phone_number"`
	Amount              decimal.Decimal          `json:"amount"`
	Currency            string                   `json:"currency"`
	ReferenceKind       models.ReferenceKind     `json:"reference_kind"`
	ReferenceID         string                   `json:"reference_id"`
	Status              models.PushRequestStatus `json:"status"`
	MerchantRequestID   *string                  `json:"merchant_request_id,omitempty"`
	CheckoutRequestID   *string                  `json:"checkout_request_id,omitempty"`
	ResponseCode        *string                  `json:"response_code,omitempty"`
	ResponseDescription *string                  `json:"response_description,omitempty"`
	CustomerMessage     *string                  `json:"customer_message,omitempty"`
	ErrorMessage        *string                  `json:"error_message,omitempty"`
	ErrorDescription    *string                  `json:"error_description,omitempty"`
	MpesaReceiptNumber  *string                  `json:"mpesa_receipt_number,omitempty"`
	TransactionAmount   *decimal.Decimal         `json:"transaction_amount,omitempty"`
	TransactionDate     *string                  `json:"transaction_date,omitempty"`
	ResultCode          *int                     `json:"result_code,omitempty"`
	ResultDesc          *string                  `json:"result_desc,omitempty"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
	ResolvedAt          *time.Time               `json:"resolved_at,omitempty"`
}

func viewOf(req *models.PushRequest) pushRequestView {
	return pushRequestView{
		ID:                  req.ID,
		PhoneNumber:         req.PhoneNumber,
		Amount:              req.Amount,
		Currency:            req.Currency,
		ReferenceKind:       req.ReferenceKind,
		ReferenceID:         req.ReferenceID,
		Status:              req.Status,
		MerchantRequestID:   req.MerchantRequestID,
		CheckoutRequestID:   req.CheckoutRequestID,
		ResponseCode:        req.ResponseCode,
		ResponseDescription: req.ResponseDescription,
		CustomerMessage:     req.CustomerMessage,
		ErrorMessage:        req.ErrorMessage,
		ErrorDescription:    req.ErrorDescription,
		MpesaReceiptNumber:  req.MpesaReceiptNumber,
		TransactionAmount:   req.TransactionAmount,
		TransactionDate:     req.TransactionDate,
		ResultCode:          req.ResultCode,
		ResultDesc:          req.ResultDesc,
		CreatedAt:           req.CreatedAt,
		UpdatedAt:           req.UpdatedAt,
		ResolvedAt:          req.ResolvedAt,
	}
}

// InitiatePayment handles POST /api/v1/payments/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var body InitiatePaymentRequest

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.validator.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount format")
		return
	}

	req, err := h.paymentService.Initiate(r.Context(), payment.InitiateParams{
		PhoneNumber: body.Phone,
		Amount:      amount,
		Currency:    body.Currency,
		Reference:   models.DocumentRef{Kind: models.ReferenceKind(body.ReferenceKind), ID: body.ReferenceID},
		Description: body.Description,
	})
	if err != nil {
		h.respondInitiateFailure(w, req, err)
		return
	}

	metrics.PushRequestsTotal.WithLabelValues("submitted").Inc()
	respondJSON(w, http.StatusCreated, viewOf(req))
}

// respondInitiateFailure maps an initiation error onto a status code. When
// the failure was persisted, the stored record rides along in the body.
func (h *Handler) respondInitiateFailure(w http.ResponseWriter, req *models.PushRequest, err error) {
	var decline *kcb.DeclineError

	status := http.StatusInternalServerError
	outcome := "internal_error"
	switch {
	case errors.Is(err, payment.ErrValidation):
		status = http.StatusBadRequest
		outcome = "validation_failure"
	case errors.Is(err, kcb.ErrAuthFailure):
		status = http.StatusBadGateway
		outcome = "auth_failure"
	case errors.Is(err, kcb.ErrTransport):
		status = http.StatusBadGateway
		outcome = "transport_failure"
	case errors.As(err, &decline):
		status = http.StatusUnprocessableEntity
		outcome = "business_decline"
	}
	metrics.PushRequestsTotal.WithLabelValues(outcome).Inc()

	resp := map[string]any{"error": err.Error()}
	if req != nil {
		resp["request"] = viewOf(req)
	}
	respondJSON(w, status, resp)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid payment id")
		return
	}

	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Payment not found")
			return
		}
		h.logger.Error("failed to load push request", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	respondJSON(w, http.StatusOK, viewOf(req))
}

// STKCallback handles POST /api/v1/callbacks/stk. The gateway only needs
// to know whether to redeliver, so every outcome is answered with 200 and
// a success/failed status string.
func (h *Handler) STKCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read stk callback body", "error", err)
		respondJSON(w, http.StatusOK, map[string]string{"status": "failed"})
		return
	}

	result := h.recon.HandleSTKCallback(r.Context(), h.cred, body)
	metrics.NotificationsTotal.WithLabelValues("stk_callback", result.Kind.String()).Inc()

	status := "failed"
	if result.Kind.Accepted() || result.Kind == reconciler.KindBusinessDecline {
		status = "success"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ipnResponse is the acknowledgement envelope the gateway expects.
type ipnResponse struct {
	Header struct {
		MessageID                string `json:"messageID"`
		OriginatorConversationID string `json:"originatorConversationID"`
		StatusCode               string `json:"statusCode"`
		StatusMessage            string `json:"statusMessage"`
	} `json:"header"`
	ResponsePayload struct {
		TransactionInfo struct {
			TransactionID string `json:"transactionId"`
		} `json:"transactionInfo"`
	} `json:"responsePayload"`
}

// IPN handles POST /api/v1/callbacks/ipn, the unsolicited C2B payment
// notification. The response always carries the gateway's envelope; the
// statusCode field, not the HTTP status, tells the gateway the outcome.
func (h *Handler) IPN(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read ipn body", "error", err)
		body = nil
	}

	result := h.recon.HandleIPN(r.Context(), h.cred, body, r.Header.Get("signature"))
	metrics.NotificationsTotal.WithLabelValues("ipn", result.Kind.String()).Inc()

	var resp ipnResponse
	resp.Header.MessageID = result.MessageID
	resp.Header.OriginatorConversationID = result.OriginatorConversationID
	resp.Header.StatusCode = result.StatusCode()
	resp.Header.StatusMessage = result.StatusMessage
	resp.ResponsePayload.TransactionInfo.TransactionID = result.TransactionID

	respondJSON(w, http.StatusOK, resp)
}

// ListUnreconciled handles GET /api/v1/transactions/unreconciled
func (h *Handler) ListUnreconciled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.UnreconciledFilter{
		MobileNumber:             q.Get("mobile_number"),
		OriginatorConversationID: q.Get("originator_conversation_id"),
		PayerName:                q.Get("payer_name"),
		FromDate:                 q.Get("from_date"),
		ToDate:                   q.Get("to_date"),
	}
	if raw := q.Get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid amount filter")
			return
		}
		filter.Amount = &amount
	}

	txs, err := h.transactions.ListUnreconciled(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list unreconciled transactions", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transactions": transactionViews(txs)})
}

// GetTransaction handles GET /api/v1/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.transactions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Error("failed to load transaction", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	respondJSON(w, http.StatusOK, transactionView(tx))
}

// ReconcileRequest represents the manual batch reconciliation request
type ReconcileRequest struct {
	TransactionIDs []string `json:"transaction_ids" validate:"required,min=1,dive,uuid4"`
	Invoices       []string `json:"invoices" validate:"required,min=1,dive,required"`
}

// Reconcile handles POST /api/v1/transactions/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var body ReconcileRequest

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	ids := make([]uuid.UUID, 0, len(body.TransactionIDs))
	for _, raw := range body.TransactionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid transaction id: "+raw)
			return
		}
		ids = append(ids, id)
	}

	result, err := h.manual.Reconcile(r.Context(), h.cred, ids, body.Invoices)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues("failed").Inc()
		h.respondReconcileFailure(w, result, err)
		return
	}

	metrics.ReconciliationsTotal.WithLabelValues("completed").Inc()
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) respondReconcileFailure(w http.ResponseWriter, result *reconciler.BatchResult, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reconciler.ErrNoInvoices),
		errors.Is(err, reconciler.ErrTransactionUsedUp),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrLedger), errors.Is(err, reconciler.ErrNothingToAllocate):
		status = http.StatusBadGateway
	}

	resp := map[string]any{"error": err.Error()}
	if result != nil {
		resp["result"] = result
	}
	respondJSON(w, status, resp)
}

// ApplyRequest represents the single-payment apply request
type ApplyRequest struct {
	Invoice string `json:"invoice" validate:"required"`
}

// ApplyTransaction handles POST /api/v1/transactions/{id}/apply
func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	var body ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	tx, entryName, err := h.manual.ApplyToInvoice(r.Context(), h.cred, id, body.Invoice)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, repository.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, reconciler.ErrAlreadyReconciled),
			errors.Is(err, reconciler.ErrTransactionUsedUp),
			errors.Is(err, reconciler.ErrInvoicePaid),
			errors.Is(err, reconciler.ErrCurrencyMismatch):
			status = http.StatusConflict
		case errors.Is(err, ledger.ErrLedger):
			status = http.StatusBadGateway
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"payment_entry": entryName,
		"transaction":   transactionView(tx),
	})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]string{
		"status": "ok",
	}

	if err := h.db.Health(ctx); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
	} else {
		health["database"] = "up"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

// transactionViewData is the external shape of an inbound transaction.
type transactionViewData struct {
	ID                       uuid.UUID          `json:"id"`
	MessageID                string             `json:"message_id"`
	OriginatorConversationID string             `json:"originator_conversation_id"`
	BillReference            string             `json:"bill_reference"`
	MobileNumber             string             `json:"mobile_number"`
	Amount                   decimal.Decimal    `json:"amount"`
	Reconciled               decimal.Decimal    `json:"reconciled"`
	Reconcilable             decimal.Decimal    `json:"reconcilable"`
	TransactionDate          string             `json:"transaction_date"`
	KCBTransactionID         string             `json:"kcb_transaction_id"`
	PayerName                string             `json:"payer_name"`
	Currency                 string             `json:"currency"`
	Narration                string             `json:"narration,omitempty"`
	TransactionType          string             `json:"transaction_type,omitempty"`
	Status                   models.ReconStatus `json:"status"`
	CreatedAt                time.Time          `json:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at"`
}

func transactionView(tx *models.InboundTransaction) transactionViewData {
	name := tx.FirstName
	if tx.MiddleName != "" {
		name += " " + tx.MiddleName
	}
	if tx.LastName != "" {
		name += " " + tx.LastName
	}

	return transactionViewData{
		ID:                       tx.ID,
		MessageID:                tx.MessageID,
		OriginatorConversationID: tx.OriginatorConversationID,
		BillReference:            tx.BillReference,
		MobileNumber:             tx.MobileNumber,
		Amount:                   tx.Amount,
		Reconciled:               tx.Reconciled,
		Reconcilable:             tx.Reconcilable(),
		TransactionDate:          tx.TransactionDate,
		KCBTransactionID:         tx.KCBTransactionID,
		PayerName:                name,
		Currency:                 tx.Currency,
		Narration:                tx.Narration,
		TransactionType:          tx.TransactionType,
		Status:                   tx.Status,
		CreatedAt:                tx.CreatedAt,
		UpdatedAt:                tx.UpdatedAt,
	}
}

func transactionViews(txs []models.InboundTransaction) []transactionViewData {
	out := make([]transactionViewData, 0, len(txs))
	for i := range txs {
		out = append(out, transactionView(&txs[i]))
	}
	return out
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
