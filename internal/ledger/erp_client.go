package ledger

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kcb-payments-gateway/internal/metrics"
	"github.com/kcb-payments-gateway/internal/models"
)

// ERPClient drives the accounting platform over its document REST API.
type ERPClient struct {
	baseURL string
	client  *http.Client
}

func NewERPClient(baseURL string) *ERPClient {
	return &ERPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// invoiceDoc is the wire shape of an invoice document.
type invoiceDoc struct {
	Name              string          `json:"name"`
	Customer          string          `json:"customer"`
	Company           string          `json:"company"`
	Currency          string          `json:"currency"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	DueDate           string          `json:"due_date"`
	PostingDate       string          `json:"posting_date"`
	Docstatus         int             `json:"docstatus"`
}

// paymentEntryDoc is the wire shape of a payment entry document.
type paymentEntryDoc struct {
	Name              string              `json:"name"`
	ReferenceNo       string              `json:"reference_no"`
	PaidAmount        decimal.Decimal     `json:"paid_amount"`
	UnallocatedAmount decimal.Decimal     `json:"unallocated_amount"`
	References        []InvoiceAllocation `json:"references"`
}

func (c *ERPClient) GetInvoice(ctx context.Context, cred Credential, name string) (*Invoice, error) {
	var doc struct {
		Data invoiceDoc `json:"data"`
	}
	if err := c.do(ctx, cred, http.MethodGet, c.resourceURL("Sales Invoice", name), nil, &doc); err != nil {
		return nil, err
	}

	return &Invoice{
		Name:              doc.Data.Name,
		Customer:          doc.Data.Customer,
		Company:           doc.Data.Company,
		Currency:          doc.Data.Currency,
		GrandTotal:        doc.Data.GrandTotal,
		OutstandingAmount: doc.Data.OutstandingAmount,
		DueDate:           doc.Data.DueDate,
		PostingDate:       doc.Data.PostingDate,
		Draft:             doc.Data.Docstatus == 0,
	}, nil
}

func (c *ERPClient) SubmitDocument(ctx context.Context, cred Credential, doctype models.ReferenceKind, name string) error {
	body := map[string]any{"docstatus": 1}
	return c.do(ctx, cred, http.MethodPut, c.resourceURL(string(doctype), name), body, nil)
}

func (c *ERPClient) MarkPaid(ctx context.Context, cred Credential, doctype models.ReferenceKind, name string) error {
	body := map[string]any{"status": "Paid"}
	return c.do(ctx, cred, http.MethodPut, c.resourceURL(string(doctype), name), body, nil)
}

func (c *ERPClient) CreatePaymentEntry(ctx context.Context, cred Credential, params PaymentEntryParams) (*PaymentEntry, error) {
	references := make([]map[string]any, 0, len(params.Allocations))
	for _, alloc := range params.Allocations {
		references = append(references, map[string]any{
			"reference_doctype":  "Sales Invoice",
			"reference_name":     alloc.InvoiceName,
			"due_date":           alloc.DueDate,
			"outstanding_amount": alloc.OutstandingAmount,
			"allocated_amount":   alloc.AllocatedAmount,
		})
	}

	body := map[string]any{
		"payment_type":    "Receive",
		"party_type":      "Customer",
		"party":           params.Customer,
		"company":         params.Company,
		"mode_of_payment": params.ModeOfPayment,
		"paid_amount":     params.Amount,
		"received_amount": params.Amount,
		"reference_no":    params.ReferenceNo,
		"reference_date":  params.ReferenceDate,
		"references":      references,
		"docstatus":       1,
	}

	var doc struct {
		Data paymentEntryDoc `json:"data"`
	}
	if err := c.do(ctx, cred, http.MethodPost, c.baseURL+"/api/resource/Payment Entry", body, &doc); err != nil {
		return nil, err
	}

	return paymentEntryFromDoc(doc.Data), nil
}

func (c *ERPClient) GetPaymentEntry(ctx context.Context, cred Credential, name string) (*PaymentEntry, error) {
	var doc struct {
		Data paymentEntryDoc `json:"data"`
	}
	if err := c.do(ctx, cred, http.MethodGet, c.resourceURL("Payment Entry", name), nil, &doc); err != nil {
		return nil, err
	}
	return paymentEntryFromDoc(doc.Data), nil
}

func (c *ERPClient) FindPaymentEntryByReference(ctx context.Context, cred Credential, referenceNo string) (string, error) {
	filters := fmt.Sprintf(`[["reference_no","=",%q],["docstatus","=",1]]`, referenceNo)
	listURL := c.baseURL + "/api/resource/Payment Entry?limit_page_length=1&filters=" + url.QueryEscape(filters)

	var doc struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.do(ctx, cred, http.MethodGet, listURL, nil, &doc); err != nil {
		return "", err
	}
	if len(doc.Data) == 0 {
		return "", nil
	}
	return doc.Data[0].Name, nil
}

// GetPaymentRequestInvoice resolves the invoice a payment request collects
// for, via its reference fields.
func (c *ERPClient) GetPaymentRequestInvoice(ctx context.Context, cred Credential, name string) (string, error) {
	var doc struct {
		Data struct {
			ReferenceDoctype string `json:"reference_doctype"`
			ReferenceName    string `json:"reference_name"`
		} `json:"data"`
	}
	if err := c.do(ctx, cred, http.MethodGet, c.resourceURL("Payment Request", name), nil, &doc); err != nil {
		return "", err
	}
	if doc.Data.ReferenceName == "" {
		return "", fmt.Errorf("%w: payment request %s references no document", ErrLedger, name)
	}
	return doc.Data.ReferenceName, nil
}

func (c *ERPClient) Allocate(ctx context.Context, cred Credential, req AllocationRequest) error {
	body := map[string]any{
		"company":         req.Company,
		"party_type":      "Customer",
		"party":           req.Customer,
		"invoices":        req.Invoices,
		"payment_entries": req.PaymentEntries,
	}
	return c.do(ctx, cred, http.MethodPost, c.baseURL+"/api/method/reconcile_payments", body, nil)
}

func paymentEntryFromDoc(doc paymentEntryDoc) *PaymentEntry {
	return &PaymentEntry{
		Name:              doc.Name,
		ReferenceNo:       doc.ReferenceNo,
		PaidAmount:        doc.PaidAmount,
		UnallocatedAmount: doc.UnallocatedAmount,
		References:        doc.References,
	}
}

func (c *ERPClient) resourceURL(doctype, name string) string {
	return c.baseURL + "/api/resource/" + url.PathEscape(doctype) + "/" + url.PathEscape(name)
}

func (c *ERPClient) do(ctx context.Context, cred Credential, method, rawURL string, body, out any) error {
	err := c.doRequest(ctx, cred, method, rawURL, body, out)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.LedgerCallsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (c *ERPClient) doRequest(ctx context.Context, cred Credential, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshaling request: %v", ErrLedger, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrLedger, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "token "+cred.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedger, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrLedger, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned status %d: %s", ErrLedger, method, rawURL, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrLedger, err)
		}
	}

	return nil
}
