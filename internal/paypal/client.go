package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tikplays-license-api/internal/metrics"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxResponseBody = 1 << 20

var (
	ErrCredentialsMissing = errors.New("paypal credentials missing")
	// ErrAlreadyCaptured is returned by CaptureOrder when PayPal reports the order
	// was captured before this call.
	ErrAlreadyCaptured = errors.New("paypal order already captured")
)

// APIError is a non-2xx PayPal response.
type APIError struct {
	Op      string
	Status  int
	Name    string
	Message string
	DebugID string
	Issues  []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("paypal %s: status %d", e.Op, e.Status)
	if e.Name != "" {
		msg += " " + e.Name
	}
	if len(e.Issues) > 0 {
		msg += " (" + strings.Join(e.Issues, ",") + ")"
	}
	if e.DebugID != "" {
		msg += " debug_id=" + e.DebugID
	}
	return msg
}

// HasIssue reports whether PayPal listed issue in the error details.
func (e *APIError) HasIssue(issue string) bool {
	for _, i := range e.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	BrandName    string
}

// Client talks to the PayPal REST API. Every call is a single attempt.
type Client struct {
	base      string
	brandName string
	http      *http.Client
	hasCreds  bool
}

func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cc := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = timeout
	return &Client{
		base:      base,
		brandName: opts.BrandName,
		http:      httpClient,
		hasCreds:  opts.ClientID != "" && opts.ClientSecret != "",
	}
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

type Order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []Link `json:"links"`
}

// ApproveURL returns the buyer approval link, or "" when PayPal sent none.
func (o Order) ApproveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

type CreateOrderRequest struct {
	RequestID   string // PayPal-Request-Id idempotency token
	ReferenceID string
	InvoiceID   string
	Description string
	Amount      string // "4.99"
	Currency    string
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Description string `json:"description"`
	Amount      amount `json:"amount"`
}

type applicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	UserAction string `json:"user_action"`
}

type createOrderBody struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

// CreateOrder creates a CAPTURE-intent order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	body := createOrderBody{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.ReferenceID,
			CustomID:    req.ReferenceID,
			InvoiceID:   req.InvoiceID,
			Description: req.Description,
			Amount:      amount{CurrencyCode: req.Currency, Value: req.Amount},
		}},
		ApplicationContext: applicationContext{BrandName: c.brandName, UserAction: "PAY_NOW"},
	}
	headers := http.Header{}
	if req.RequestID != "" {
		headers.Set("PayPal-Request-Id", req.RequestID)
	}
	var order Order
	err := c.do(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", headers, body, &order)
	if err == nil && order.ID == "" {
		err = fmt.Errorf("paypal create_order: response without order id")
	}
	return order, err
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := c.do(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, nil, &order)
	return order, err
}

// Capture is the part of a capture response the service uses.
type Capture struct {
	ID     string `json:"id"` // order id
	Status string `json:"status"`
}

// CaptureOrder captures an approved order. When PayPal says the order was already
// captured the error wraps ErrAlreadyCaptured.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (Capture, error) {
	var capture Capture
	err := c.do(ctx, "capture_order", http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", nil, struct{}{}, &capture)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HasIssue("ORDER_ALREADY_CAPTURED") {
		return Capture{}, fmt.Errorf("%w: %v", ErrAlreadyCaptured, err)
	}
	return capture, err
}

// VerifyRequest carries what PayPal needs to check a webhook delivery.
type VerifyRequest struct {
	Headers   http.Header
	WebhookID string
	Event     json.RawMessage
}

type verifyBody struct {
	TransmissionID   string          `json:"transmission_id"`
	TransmissionTime string          `json:"transmission_time"`
	CertURL          string          `json:"cert_url"`
	AuthAlgo         string          `json:"auth_algo"`
	TransmissionSig  string          `json:"transmission_sig"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhookSignature asks PayPal whether a delivery is authentic.
func (c *Client) VerifyWebhookSignature(ctx context.Context, req VerifyRequest) (bool, error) {
	body := verifyBody{
		TransmissionID:   req.Headers.Get("Paypal-Transmission-Id"),
		TransmissionTime: req.Headers.Get("Paypal-Transmission-Time"),
		CertURL:          req.Headers.Get("Paypal-Cert-Url"),
		AuthAlgo:         req.Headers.Get("Paypal-Auth-Algo"),
		TransmissionSig:  req.Headers.Get("Paypal-Transmission-Sig"),
		WebhookID:        req.WebhookID,
		WebhookEvent:     req.Event,
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, "verify_webhook", http.MethodPost, "/v1/notifications/verify-webhook-signature", nil, body, &resp); err != nil {
		return false, err
	}
	return strings.EqualFold(resp.VerificationStatus, "SUCCESS"), nil
}

type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
	// token endpoint errors
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, headers http.Header, in, out any) (err error) {
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrCredentialsMissing):
			result = "unconfigured"
		case err != nil:
			result = "error"
		}
		metrics.ProviderCalls.WithLabelValues(op, result).Inc()
	}()

	if !c.hasCreds {
		return ErrCredentialsMissing
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("paypal %s: encode: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("paypal %s: %w", op, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			apiErr := &APIError{Op: "auth", Name: re.ErrorCode}
			if re.Response != nil {
				apiErr.Status = re.Response.StatusCode
			}
			return apiErr
		}
		return fmt.Errorf("paypal %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("paypal %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Name = eb.Name
			if apiErr.Name == "" {
				apiErr.Name = eb.Error
			}
			apiErr.Message = eb.Message
			apiErr.DebugID = eb.DebugID
			for _, d := range eb.Details {
				apiErr.Issues = append(apiErr.Issues, d.Issue)
			}
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("paypal %s: decode: %w", op, err)
	}
	return nil
}
