// Package payment implements the outbound STK push initiator. Every
// outcome of an initiation is persisted on the push request row before the
// call returns; callers observe state, not exceptions.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/kcb"
	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

// ErrValidation marks malformed initiation input (bad phone number,
// unsupported currency, non-positive amount).
var ErrValidation = errors.New("validation failure")

// SupportedCurrencies lists the currencies the gateway transacts in.
var SupportedCurrencies = []string{"KES"}

// GatewayClient sends the provider-specific push request.
type GatewayClient interface {
	SendSTKPush(ctx context.Context, messageID string, p kcb.StkPushParams) (*kcb.StkAck, error)
}

// Config holds the merchant-side settings of the initiator.
type Config struct {
	TillNo      string
	CallbackURL string
}

// Service builds and sends outbound payment requests on behalf of pending
// push request records.
type Service struct {
	requests repository.PushRequests
	gateway  GatewayClient
	cfg      Config
	logger   *slog.Logger
}

func NewService(requests repository.PushRequests, gateway GatewayClient, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		requests: requests,
		gateway:  gateway,
		cfg:      cfg,
		logger:   logger,
	}
}

// InitiateParams describe one collection attempt against a customer.
type InitiateParams struct {
	PhoneNumber string
	Amount      decimal.Decimal
	Currency    string
	Reference   models.DocumentRef
	Description string
}

// Initiate creates a push request, sends it to the gateway, and persists
// the outcome. The returned request reflects the stored terminal or
// in-progress state; a request is never left in Draft after a send attempt.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (*models.PushRequest, error) {
	phone, err := kcb.NormalizeMSISDN(params.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if !params.Amount.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}

	currency := params.Currency
	if currency == "" {
		currency = SupportedCurrencies[0]
	}
	if !currencySupported(currency) {
		return nil, fmt.Errorf("%w: gateway does not support transactions in currency %q", ErrValidation, currency)
	}

	if params.Reference.Kind == "" || params.Reference.ID == "" {
		return nil, fmt.Errorf("%w: a payable document reference is required", ErrValidation)
	}

	req := &models.PushRequest{
		ID:            uuid.New(),
		PhoneNumber:   phone,
		Amount:        params.Amount,
		Currency:      currency,
		ReferenceKind: params.Reference.Kind,
		ReferenceID:   params.Reference.ID,
		Status:        models.PushStatusDraft,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}

	messageID := kcb.NewMessageID()
	s.logger.Info("stk push initiated",
		"push_request_id", req.ID,
		"message_id", messageID,
		"phone_number", phone,
		"amount", params.Amount,
		"reference", params.Reference.ID,
	)

	ack, err := s.gateway.SendSTKPush(ctx, messageID, kcb.StkPushParams{
		PhoneNumber:            phone,
		Amount:                 params.Amount,
		InvoiceNumber:          fmt.Sprintf("%s-%s", s.cfg.TillNo, params.Reference.ID),
		CallbackURL:            s.cfg.CallbackURL,
		TransactionDescription: params.Description,
	})
	if err != nil {
		return s.recordFailure(ctx, req, err)
	}

	if err := s.requests.MarkSubmitted(ctx, req.ID, repository.SubmittedAck{
		MerchantRequestID:   ack.MerchantRequestID,
		CheckoutRequestID:   ack.CheckoutRequestID,
		ResponseCode:        ack.ResponseCode,
		ResponseDescription: ack.ResponseDescription,
		CustomerMessage:     ack.CustomerMessage,
	}); err != nil {
		// The gateway accepted the push but the ack could not be stored, so
		// the correlation pair is lost and no callback will ever match this
		// row. Record the failure rather than leave the request in Draft.
		storeErr := fmt.Errorf("failed to store gateway ack: %w", err)
		if ferr := s.requests.MarkFailed(ctx, req.ID, repository.PushFailure{
			Message:     "Internal error",
			Description: storeErr.Error(),
		}); ferr != nil {
			s.logger.Error("failed to persist push failure", "push_request_id", req.ID, "error", ferr)
		}
		if stored, gerr := s.requests.Get(ctx, req.ID); gerr == nil {
			return stored, storeErr
		}
		return nil, storeErr
	}

	return s.requests.Get(ctx, req.ID)
}

// recordFailure classifies the send error, persists it on the request, and
// returns the original failure. The record never stays in Draft.
func (s *Service) recordFailure(ctx context.Context, req *models.PushRequest, sendErr error) (*models.PushRequest, error) {
	failure := repository.PushFailure{
		Message:     "Unexpected error",
		Description: sendErr.Error(),
	}

	var decline *kcb.DeclineError
	switch {
	case errors.Is(sendErr, kcb.ErrAuthFailure):
		failure.Message = "Authentication failure"
	case errors.Is(sendErr, kcb.ErrTransport):
		failure.Message = "Network error"
	case errors.As(sendErr, &decline):
		failure.ResponseCode = decline.Code
		failure.Message = decline.Message
		failure.Description = decline.Description
	}

	s.logger.Error("stk push failed",
		"push_request_id", req.ID,
		"reason", failure.Message,
		"error", sendErr,
	)

	if err := s.requests.MarkFailed(ctx, req.ID, failure); err != nil {
		s.logger.Error("failed to persist push failure", "push_request_id", req.ID, "error", err)
	}

	stored, err := s.requests.Get(ctx, req.ID)
	if err != nil {
		return nil, sendErr
	}
	return stored, sendErr
}

func currencySupported(currency string) bool {
	for _, c := range SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}
