// Package reconciler is the payment-notification state machine. It parses
// inbound gateway notifications, deduplicates them by external transaction
// id, matches them against pending push requests, and drives the one-time
// accounting side effects.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/kcb"
	"github.com/kcb-payments-gateway/internal/ledger"
	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

// paymentRequestMarker flags a bill reference that names a payment request
// document, which pre-reconciles the inbound transaction at creation.
const paymentRequestMarker = "#ACC-PRQ-"

// SignatureVerifier gatekeeps inbound IPN payloads.
type SignatureVerifier interface {
	Verify(rawPayload []byte, signatureB64 string) bool
}

// Reconciler owns both notification shapes: the solicited STK callback and
// the unsolicited C2B IPN.
type Reconciler struct {
	requests     repository.PushRequests
	transactions repository.Transactions
	appliers     *ledger.ApplierRegistry
	verifier     SignatureVerifier
	// verifyDisabled skips signature verification entirely. Non-production
	// use only; every bypass is loudly logged.
	verifyDisabled bool
	logger         *slog.Logger
}

func New(
	requests repository.PushRequests,
	transactions repository.Transactions,
	appliers *ledger.ApplierRegistry,
	verifier SignatureVerifier,
	verifyDisabled bool,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		requests:       requests,
		transactions:   transactions,
		appliers:       appliers,
		verifier:       verifier,
		verifyDisabled: verifyDisabled,
		logger:         logger,
	}
}

// stkEnvelope is the wire shape of the solicited callback.
type stkEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []kcb.Item `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// HandleSTKCallback processes the gateway's asynchronous result for a push
// this service initiated. Side effects run at most once per request: a
// Completed request is terminal and a duplicate success callback is
// acknowledged without re-applying anything.
func (r *Reconciler) HandleSTKCallback(ctx context.Context, cred ledger.Credential, rawPayload []byte) CallbackResult {
	var env stkEnvelope
	if err := json.Unmarshal(rawPayload, &env); err != nil {
		r.logger.Error("stk callback: invalid JSON", "error", err)
		return CallbackResult{Kind: KindValidationFailure, Reason: "Invalid JSON payload"}
	}

	cb := env.Body.StkCallback
	if cb.MerchantRequestID == "" && cb.CheckoutRequestID == "" {
		r.logger.Error("stk callback: missing stkCallback body")
		return CallbackResult{Kind: KindValidationFailure, Reason: "Missing stkCallback in payload"}
	}

	// Correlation lookup: the more specific merchant id first, then the
	// checkout id.
	req, err := r.findPushRequest(ctx, cb.MerchantRequestID, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Error("stk callback: no matching push request",
				"merchant_request_id", cb.MerchantRequestID,
				"checkout_request_id", cb.CheckoutRequestID,
			)
			return CallbackResult{Kind: KindValidationFailure, Reason: "STK Request not found"}
		}
		return CallbackResult{Kind: KindInternalError, Reason: "Internal error: " + err.Error()}
	}

	if cb.ResultCode == 0 {
		return r.completePushRequest(ctx, cred, req, cb.ResultCode, cb.ResultDesc, cb.CallbackMetadata.Item)
	}

	// Business decline from the customer side (cancelled prompt, timeout,
	// insufficient funds). Never downgrade a terminal success.
	if req.Status == models.PushStatusCompleted {
		r.logger.Warn("stk callback: failure result for completed request ignored",
			"push_request_id", req.ID,
			"result_code", cb.ResultCode,
		)
		return CallbackResult{Kind: KindDuplicate, Reason: "Request already completed"}
	}

	if err := r.requests.MarkCallbackFailed(ctx, req.ID, cb.ResultCode, cb.ResultDesc); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return CallbackResult{Kind: KindInternalError, Reason: "Internal error: " + err.Error()}
	}

	r.logger.Info("stk callback processed",
		"push_request_id", req.ID,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc,
		"status", models.PushStatusFailed,
	)
	return CallbackResult{Kind: KindBusinessDecline, Reason: cb.ResultDesc}
}

func (r *Reconciler) findPushRequest(ctx context.Context, merchantRequestID, checkoutRequestID string) (*models.PushRequest, error) {
	if merchantRequestID != "" {
		req, err := r.requests.FindByMerchantRequestID(ctx, merchantRequestID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if checkoutRequestID != "" {
		return r.requests.FindByCheckoutRequestID(ctx, checkoutRequestID)
	}
	return nil, repository.ErrNotFound
}

// completePushRequest runs the success side-effect sequence exactly once:
// apply the payment to the referenced accounting document through the
// applier for its kind, then move the request to its terminal state.
func (r *Reconciler) completePushRequest(ctx context.Context, cred ledger.Credential, req *models.PushRequest, resultCode int, resultDesc string, items []kcb.Item) CallbackResult {
	if req.Status == models.PushStatusCompleted {
		// Idempotence guard: duplicate successful callback.
		r.logger.Info("stk callback: duplicate success delivery ignored", "push_request_id", req.ID)
		return CallbackResult{Kind: KindDuplicate, Reason: "Request already completed"}
	}
	if req.Status != models.PushStatusInProgress {
		r.logger.Warn("stk callback: request not awaiting a result",
			"push_request_id", req.ID,
			"status", req.Status,
		)
		return CallbackResult{Kind: KindValidationFailure, Reason: fmt.Sprintf("Request is %s, not awaiting callback", req.Status)}
	}

	meta := kcb.ParseCallbackMetadata(items)
	amount := meta.Amount("Amount")
	if amount.IsZero() {
		amount = req.Amount
	}
	payment := ledger.PaymentMetadata{
		Amount:          amount,
		ReceiptNumber:   meta.String("MpesaReceiptNumber"),
		TransactionDate: meta.String("TransactionDate"),
		PhoneNumber:     meta.String("PhoneNumber"),
		Currency:        req.Currency,
	}

	if err := r.appliers.Apply(ctx, cred, models.DocumentRef{Kind: req.ReferenceKind, ID: req.ReferenceID}, payment); err != nil {
		// The request stays InProgress so a redelivered callback can retry
		// the ledger mutation.
		r.logger.Error("stk callback: ledger side effects failed",
			"push_request_id", req.ID,
			"reference_kind", req.ReferenceKind,
			"reference_id", req.ReferenceID,
			"error", err,
		)
		return CallbackResult{Kind: KindLedgerFailure, Reason: "Ledger error: " + err.Error()}
	}

	err := r.requests.Complete(ctx, req.ID, repository.CallbackResult{
		ResultCode:         resultCode,
		ResultDesc:         resultDesc,
		Amount:             amount,
		MpesaReceiptNumber: payment.ReceiptNumber,
		TransactionDate:    payment.TransactionDate,
		PhoneNumber:        payment.PhoneNumber,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost a race against a concurrent delivery that completed the
			// request first.
			return CallbackResult{Kind: KindDuplicate, Reason: "Request already completed"}
		}
		return CallbackResult{Kind: KindInternalError, Reason: "Internal error: " + err.Error()}
	}

	r.logger.Info("stk callback processed",
		"push_request_id", req.ID,
		"mpesa_receipt_number", payment.ReceiptNumber,
		"amount", amount,
		"status", models.PushStatusCompleted,
	)
	return CallbackResult{Kind: KindAccepted}
}

// flexDecimal decodes an amount the gateway may send as either a JSON
// number or a quoted string.
type flexDecimal struct {
	value   decimal.Decimal
	present bool
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f.value = d
	f.present = true
	return nil
}

// ipnEnvelope is the wire shape of the unsolicited C2B notification.
type ipnEnvelope struct {
	Header struct {
		MessageID                string `json:"messageID"`
		OriginatorConversationID string `json:"originatorConversationID"`
		ChannelCode              string `json:"channelCode"`
		TimeStamp                string `json:"timeStamp"`
	} `json:"header"`
	RequestPayload struct {
		AdditionalData struct {
			NotificationData struct {
				BusinessKey     string      `json:"businessKey"`
				DebitMSISDN     string      `json:"debitMSISDN"`
				TransactionAmt  flexDecimal `json:"transactionAmt"`
				TransactionDate string      `json:"transactionDate"`
				TransactionID   string      `json:"transactionID"`
				FirstName       string      `json:"firstName"`
				MiddleName      string      `json:"middleName"`
				LastName        string      `json:"lastName"`
				Currency        string      `json:"currency"`
				Narration       string      `json:"narration"`
				TransactionType string      `json:"transactionType"`
				Balance         flexDecimal `json:"balance"`
			} `json:"notificationData"`
		} `json:"additionalData"`
	} `json:"requestPayload"`
}

// headerOnly re-parses just the envelope header so rejection responses can
// quote whatever header fields were parseable.
func headerOnly(rawPayload []byte) (messageID, originatorConversationID string) {
	var env struct {
		Header struct {
			MessageID                string `json:"messageID"`
			OriginatorConversationID string `json:"originatorConversationID"`
		} `json:"header"`
	}
	if err := json.Unmarshal(rawPayload, &env); err != nil || env.Header.MessageID == "" {
		return "unknown", env.Header.OriginatorConversationID
	}
	return env.Header.MessageID, env.Header.OriginatorConversationID
}

// HandleIPN processes an unsolicited C2B payment notification. Every path
// returns a structured result the handler can fold into the gateway's
// response envelope; nothing escapes as a fault.
func (r *Reconciler) HandleIPN(ctx context.Context, cred ledger.Credential, rawPayload []byte, signature string) IPNResult {
	if len(rawPayload) == 0 {
		r.logger.Error("ipn: empty request body")
		return IPNResult{Kind: KindValidationFailure, MessageID: "unknown", StatusMessage: "Empty request body"}
	}

	var env ipnEnvelope
	if err := json.Unmarshal(rawPayload, &env); err != nil {
		messageID, originatorID := headerOnly(rawPayload)
		r.logger.Error("ipn: invalid JSON payload", "error", err)
		return IPNResult{
			Kind:                     KindValidationFailure,
			MessageID:                messageID,
			OriginatorConversationID: originatorID,
			StatusMessage:            "Invalid JSON payload",
		}
	}

	messageID := env.Header.MessageID
	if messageID == "" {
		messageID = "unknown"
	}
	result := IPNResult{
		MessageID:                messageID,
		OriginatorConversationID: env.Header.OriginatorConversationID,
	}

	// Authenticity gate before any record is created.
	if r.verifyDisabled {
		r.logger.Warn("ipn: SIGNATURE VERIFICATION IS DISABLED — request accepted unauthenticated; enable verification in production")
	} else {
		sig := strings.TrimSpace(signature)
		if sig == "" {
			r.logger.Error("ipn: missing signature header", "message_id", messageID)
			result.Kind = KindValidationFailure
			result.StatusMessage = "Missing signature header"
			return result
		}
		if !r.verifier.Verify(rawPayload, sig) {
			result.Kind = KindAuthenticityFailure
			result.StatusMessage = "Invalid signature"
			return result
		}
	}

	data := env.RequestPayload.AdditionalData.NotificationData
	if env.Header.MessageID == "" || data.BusinessKey == "" || data.DebitMSISDN == "" ||
		!data.TransactionAmt.present || data.TransactionID == "" {
		r.logger.Error("ipn: missing required fields",
			"message_id", env.Header.MessageID,
			"business_key", data.BusinessKey,
			"transaction_id", data.TransactionID,
		)
		result.Kind = KindValidationFailure
		result.StatusMessage = "Missing required fields"
		return result
	}

	// Dedup on the external transaction id. Redelivered notifications are
	// acknowledged as success, quoting the existing record, with no second
	// ledger effect.
	existing, err := r.transactions.FindByGatewayID(ctx, data.TransactionID)
	if err == nil {
		r.logger.Info("ipn: duplicate transaction acknowledged",
			"kcb_transaction_id", data.TransactionID,
			"record_id", existing.ID,
		)
		result.Kind = KindDuplicate
		result.TransactionID = existing.ID.String()
		result.StatusMessage = "Duplicate transaction - already processed"
		return result
	}
	if !errors.Is(err, repository.ErrNotFound) {
		result.Kind = KindInternalError
		result.StatusMessage = "Internal error: " + err.Error()
		return result
	}

	preReconciled := r.shouldPreReconcile(ctx, env.Header.OriginatorConversationID, data.BusinessKey)

	tx := &models.InboundTransaction{
		ID:                       uuid.New(),
		MessageID:                env.Header.MessageID,
		OriginatorConversationID: env.Header.OriginatorConversationID,
		ChannelCode:              env.Header.ChannelCode,
		Timestamp:                env.Header.TimeStamp,
		BillReference:            data.BusinessKey,
		MobileNumber:             data.DebitMSISDN,
		Amount:                   data.TransactionAmt.value,
		Reconciled:               decimal.Zero,
		TransactionDate:          data.TransactionDate,
		KCBTransactionID:         data.TransactionID,
		FirstName:                data.FirstName,
		MiddleName:               data.MiddleName,
		LastName:                 data.LastName,
		Currency:                 data.Currency,
		Narration:                data.Narration,
		TransactionType:          data.TransactionType,
		Balance:                  data.Balance.value,
		Status:                   models.ReconUnreconciled,
	}
	if preReconciled {
		tx.Reconciled = tx.Amount
		tx.Status = models.ReconReconciled
	}

	if err := r.transactions.Create(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost the insert race against a concurrent delivery of the
			// same notification; the unique constraint serialized us.
			result.Kind = KindDuplicate
			result.StatusMessage = "Duplicate transaction - already processed"
			if winner, ferr := r.transactions.FindByGatewayID(ctx, data.TransactionID); ferr == nil {
				result.TransactionID = winner.ID.String()
			}
			return result
		}
		result.Kind = KindInternalError
		result.StatusMessage = "Internal error: " + err.Error()
		return result
	}

	r.logger.Info("ipn: transaction recorded",
		"record_id", tx.ID,
		"kcb_transaction_id", tx.KCBTransactionID,
		"amount", tx.Amount,
		"status", tx.Status,
		"bill_reference", tx.BillReference,
	)

	result.Kind = KindAccepted
	result.TransactionID = tx.ID.String()
	result.StatusMessage = "Notification received successfully"
	return result
}

// shouldPreReconcile decides whether the inbound payment is already covered
// by a completed STK push (the IPN's originator conversation id carries the
// push's receipt number) or names a payment request document; either way
// the transaction is born fully reconciled.
func (r *Reconciler) shouldPreReconcile(ctx context.Context, originatorConversationID, billReference string) bool {
	if strings.Contains(billReference, paymentRequestMarker) {
		return true
	}
	if originatorConversationID == "" {
		return false
	}

	req, err := r.requests.FindCompletedByReceipt(ctx, originatorConversationID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Error("ipn: stk match lookup failed", "error", err)
		}
		return false
	}

	if models.BillReferenceSuffix(billReference) == req.ReferenceID {
		r.logger.Info("ipn: matched completed stk request",
			"push_request_id", req.ID,
			"mpesa_receipt_number", originatorConversationID,
			"reference_id", req.ReferenceID,
		)
		return true
	}
	return false
}
