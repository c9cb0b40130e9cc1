package paypal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePayPal struct {
	t          *testing.T
	tokenCalls atomic.Int32
	handler    http.HandlerFunc
}

func (f *fakePayPal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/oauth2/token" {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		require.True(f.t, ok)
		require.Equal(f.t, "cid", user)
		require.Equal(f.t, "secret", pass)
		require.NoError(f.t, r.ParseForm())
		require.Equal(f.t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
		return
	}
	require.Equal(f.t, "Bearer tok-1", r.Header.Get("Authorization"))
	f.handler(w, r)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakePayPal) {
	t.Helper()
	fake := &fakePayPal{t: t, handler: h}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "secret", BrandName: "Tikplays"}), fake
}

func TestCreateOrderSendsIdempotencyTokenAndReturnsApproveURL(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/checkout/orders", r.URL.Path)
		require.Equal(t, "req-123", r.Header.Get("PayPal-Request-Id"))

		var body createOrderBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "CAPTURE", body.Intent)
		require.Len(t, body.PurchaseUnits, 1)
		require.Equal(t, "ren_1", body.PurchaseUnits[0].CustomID)
		require.Equal(t, "4.99", body.PurchaseUnits[0].Amount.Value)
		require.Equal(t, "USD", body.PurchaseUnits[0].Amount.CurrencyCode)
		require.Equal(t, "PAY_NOW", body.ApplicationContext.UserAction)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"PAY-1","status":"CREATED","links":[{"href":"https://paypal.test/self","rel":"self"},{"href":"https://paypal.test/approve","rel":"approve"}]}`)
	})

	order, err := c.CreateOrder(context.Background(), CreateOrderRequest{
		RequestID: "req-123", ReferenceID: "ren_1", InvoiceID: "tikplays_ren_1",
		Description: "renewal 1m", Amount: "4.99", Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "PAY-1", order.ID)
	require.Equal(t, "https://paypal.test/approve", order.ApproveURL())

	// token is cached across calls
	_, err = c.CreateOrder(context.Background(), CreateOrderRequest{RequestID: "req-123", Amount: "4.99", Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestCaptureOrderAlreadyCaptured(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/checkout/orders/PAY-1/capture", r.URL.Path)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}],"debug_id":"dbg"}`)
	})
	_, err := c.CaptureOrder(context.Background(), "PAY-1")
	require.ErrorIs(t, err, ErrAlreadyCaptured)
}

func TestCaptureOrderOtherFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`)
	})
	_, err := c.CaptureOrder(context.Background(), "PAY-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyCaptured)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.True(t, apiErr.HasIssue("INSTRUMENT_DECLINED"))
}

func TestCaptureOrderSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"PAY-1","status":"COMPLETED"}`)
	})
	capture, err := c.CaptureOrder(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.Equal(t, "PAY-1", capture.ID)
	require.Equal(t, "COMPLETED", capture.Status)
}

func TestVerifyWebhookSignature(t *testing.T) {
	status := "SUCCESS"
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/notifications/verify-webhook-signature", r.URL.Path)
		var body verifyBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "tx-1", body.TransmissionID)
		require.Equal(t, "SHA256withRSA", body.AuthAlgo)
		require.Equal(t, "WH-1", body.WebhookID)
		require.JSONEq(t, `{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`, string(body.WebhookEvent))
		_, _ = io.WriteString(w, `{"verification_status":"`+status+`"}`)
	})

	h := http.Header{}
	h.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	h.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	req := VerifyRequest{Headers: h, WebhookID: "WH-1", Event: json.RawMessage(`{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`)}

	ok, err := c.VerifyWebhookSignature(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ok)

	status = "FAILURE"
	ok, err = c.VerifyWebhookSignature(context.Background(), req)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMissingCredentials(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0"})
	_, err := c.GetOrder(context.Background(), "PAY-1")
	require.ErrorIs(t, err, ErrCredentialsMissing)
}

func TestTokenFailureIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid_client","error_description":"Client Authentication failed"}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "bad"})
	_, err := c.GetOrder(context.Background(), "PAY-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "auth", apiErr.Op)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
