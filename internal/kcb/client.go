package kcb

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// SandboxBaseURL is the gateway's UAT environment.
	SandboxBaseURL = "https://uat.buni.kcbgroup.com"
	// ProductionBaseURL is the live gateway environment.
	ProductionBaseURL = "https://api.buni.kcbgroup.com"

	stkPushPath = "/mm/api/request/1.0.0/stkpush"
)

// ErrTransport marks a network error, timeout, or undecodable response
// while talking to the gateway.
var ErrTransport = errors.New("gateway transport failure")

// DeclineError is a well-formed gateway rejection: either a business-level
// decline on an HTTP 200/201 exchange, or the gateway's error envelope on
// HTTP >= 400.
type DeclineError struct {
	HTTPStatus  int
	Code        string
	Message     string
	Description string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("gateway declined request (status %d, code %q): %s", e.HTTPStatus, e.Code, e.Description)
}

// StkPushParams are the provider-specific fields of an outbound push.
type StkPushParams struct {
	PhoneNumber            string
	Amount                 decimal.Decimal
	InvoiceNumber          string
	CallbackURL            string
	TransactionDescription string
}

// StkAck is the gateway's synchronous acknowledgement of an STK push.
type StkAck struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// stkPushRequest is the wire shape of the outbound push body.
type stkPushRequest struct {
	PhoneNumber            string `json:"phoneNumber"`
	Amount                 string `json:"amount"`
	InvoiceNumber          string `json:"invoiceNumber"`
	SharedShortCode        bool   `json:"sharedShortCode"`
	OrgShortCode           string `json:"orgShortCode"`
	OrgPassKey             string `json:"orgPassKey"`
	CallbackURL            string `json:"callbackUrl"`
	TransactionDescription string `json:"transactionDescription"`
}

// stkPushResponse is the gateway's success-shaped response envelope.
type stkPushResponse struct {
	Response struct {
		ResponseCode        string `json:"ResponseCode"`
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
	} `json:"response"`
}

// gatewayErrorResponse is the flat error shape returned on HTTP >= 400.
type gatewayErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Desc    string `json:"description"`
}

// Client is the outbound HTTP client for the KCB Buni gateway.
type Client struct {
	baseURL string
	tokens  *TokenService
	client  *http.Client
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, tokens *TokenService) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// BaseURLFor picks the gateway environment for the sandbox toggle.
func BaseURLFor(sandbox bool) string {
	if sandbox {
		return SandboxBaseURL
	}
	return ProductionBaseURL
}

// NewMessageID generates the message-correlation id sent with each push:
// a timestamp plus a random suffix. Used only for request tracing, not
// dedup.
func NewMessageID() string {
	return fmt.Sprintf("%d_KCBOrg_%s", time.Now().Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// SendSTKPush posts an STK push request and decodes the acknowledgement.
// It returns ErrTransport on network or decode failure, a *DeclineError on
// a business decline or gateway error envelope, and the parsed ack when the
// business response code is "0".
func (c *Client) SendSTKPush(ctx context.Context, messageID string, p StkPushParams) (*StkAck, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(stkPushRequest{
		PhoneNumber: p.PhoneNumber,
		// The gateway takes whole shillings.
		Amount:                 p.Amount.StringFixed(0),
		InvoiceNumber:          p.InvoiceNumber,
		SharedShortCode:        true,
		CallbackURL:            p.CallbackURL,
		TransactionDescription: p.TransactionDescription,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling push request: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building push request: %v", ErrTransport, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("routeCode", "207")
	req.Header.Set("operation", "STKPush")
	req.Header.Set("messageId", messageID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending push request: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading push response: %v", ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		var ge gatewayErrorResponse
		if err := json.Unmarshal(respBody, &ge); err != nil {
			ge.Desc = string(respBody)
		}
		return nil, &DeclineError{
			HTTPStatus:  resp.StatusCode,
			Code:        ge.Code,
			Message:     ge.Message,
			Description: ge.Desc,
		}
	}

	var stkResp stkPushResponse
	if err := json.Unmarshal(respBody, &stkResp); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON in push response: %s", ErrTransport, string(respBody))
	}

	r := stkResp.Response
	if r.ResponseCode != "0" {
		return nil, &DeclineError{
			HTTPStatus:  resp.StatusCode,
			Code:        r.ResponseCode,
			Message:     "business-level decline",
			Description: r.ResponseDescription,
		}
	}

	return &StkAck{
		MerchantRequestID:   r.MerchantRequestID,
		CheckoutRequestID:   r.CheckoutRequestID,
		ResponseCode:        r.ResponseCode,
		ResponseDescription: r.ResponseDescription,
		CustomerMessage:     r.CustomerMessage,
	}, nil
}
