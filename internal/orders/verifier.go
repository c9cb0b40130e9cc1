package orders

import (
	"context"
	"encoding/json"
	"net/http"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/paypal"
)

type SignatureChecker interface {
	VerifyWebhookSignature(ctx context.Context, req paypal.VerifyRequest) (bool, error)
}

// Verifier checks webhook deliveries against PayPal. It does not deduplicate.
type Verifier struct {
	checker   SignatureChecker
	webhookID string
}

func NewVerifier(checker SignatureChecker, webhookID string) *Verifier {
	return &Verifier{checker: checker, webhookID: webhookID}
}

// Configured reports whether a webhook id is set.
func (v *Verifier) Configured() bool { return v.webhookID != "" }

// Verify returns nil only when PayPal confirms the delivery.
func (v *Verifier) Verify(ctx context.Context, headers http.Header, body []byte) error {
	if v.webhookID == "" {
		return apperr.New(apperr.WebhookUnconfigured, "PAYPAL_WEBHOOK_ID is not configured")
	}
	ok, err := v.checker.VerifyWebhookSignature(ctx, paypal.VerifyRequest{
		Headers:   headers,
		WebhookID: v.webhookID,
		Event:     json.RawMessage(body),
	})
	if err != nil {
		return apperr.Wrap(apperr.VerificationFailed, "webhook verification failed", err)
	}
	if !ok {
		return apperr.New(apperr.SignatureInvalid, "invalid webhook signature")
	}
	return nil
}
