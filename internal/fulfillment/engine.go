package fulfillment

import (
	"context"
	"errors"
	"strings"
	"time"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/license"
	"tikplays-license-api/internal/metrics"
	"tikplays-license-api/internal/paypal"
	"tikplays-license-api/internal/store"

	"github.com/rs/zerolog/log"
)

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeClosed           Outcome = "closed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeUpstreamFailure  Outcome = "upstream_failure"
	OutcomeError            Outcome = "error"
)

// Result describes what one CompleteOrder call did. AlreadyCompleted is a
// success, not an error.
type Result struct {
	Outcome         Outcome
	Class           Class
	Kind            store.OrderKind
	ProviderOrderID string
	OrderID         string
	LicenseKey      string
	Status          store.OrderStatus
	DaysAdded       int
	NewExpiresAt    int64
	LicenseCreated  bool
	DownloadURL     string
}

// Capturer captures approved provider orders.
type Capturer interface {
	CaptureOrder(ctx context.Context, orderID string) (paypal.Capture, error)
}

// Notifier is told about every fresh completion. It must not fail the request.
type Notifier interface {
	OrderCompleted(ctx context.Context, res Result)
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies payment events to pending orders and licenses. The only
// synchronisation is the store transaction covering one order and one license.
type Engine struct {
	st       store.Store
	capturer Capturer
	notifier Notifier
	now      func() time.Time
}

func NewEngine(st store.Store, capturer Capturer, opts ...Option) *Engine {
	e := &Engine{st: st, capturer: capturer, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleEvent classifies a verified webhook event and applies it.
func (e *Engine) HandleEvent(ctx context.Context, evt Event) (Result, error) {
	class := Classify(evt.EventType)
	if class == ClassIgnored {
		return e.CompleteOrder(ctx, "", ClassIgnored)
	}
	orderID := evt.OrderID()
	if orderID == "" {
		res := Result{Outcome: OutcomeInvalid, Class: class}
		e.record(res)
		return res, apperr.New(apperr.MissingOrderID, "no order id in event")
	}
	return e.CompleteOrder(ctx, orderID, class)
}

// CompleteOrder resolves the pending order for providerOrderID and applies the
// event class to it. Repeating a call for an already completed order changes nothing.
func (e *Engine) CompleteOrder(ctx context.Context, providerOrderID string, class Class) (Result, error) {
	res, err := e.completeOrder(ctx, strings.TrimSpace(providerOrderID), class)
	if err != nil && res.Outcome == "" {
		res.Outcome = outcomeFor(err)
	}
	e.record(res)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("provider_order_id", res.ProviderOrderID).
		Str("class", class.String()).
		Str("outcome", string(res.Outcome)).
		Str("kind", string(res.Kind)).
		Str("license_key", res.LicenseKey).
		Msg("fulfillment")

	if err == nil && res.Outcome == OutcomeCompleted && e.notifier != nil {
		e.notifier.OrderCompleted(ctx, res)
	}
	return res, err
}

func (e *Engine) completeOrder(ctx context.Context, providerOrderID string, class Class) (Result, error) {
	res := Result{Class: class, ProviderOrderID: providerOrderID}
	if class == ClassIgnored {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if providerOrderID == "" {
		return res, apperr.New(apperr.MissingOrderID, "provider order id is required")
	}

	if class == ClassApproved {
		key, err := e.capture(ctx, providerOrderID)
		if err != nil {
			return res, err
		}
		providerOrderID = key
		res.ProviderOrderID = key
	}

	rec, err := e.st.FindOrder(providerOrderID)
	if err != nil {
		return res, lookupError(providerOrderID, err)
	}
	res.Kind = rec.Kind()
	res.OrderID = rec.Common().ID

	err = e.st.Update(func(tx store.Tx) error {
		if class == ClassDenied || class == ClassVoided {
			return e.close(tx, providerOrderID, class, &res)
		}
		return e.apply(tx, providerOrderID, &res)
	})
	return res, err
}

// capture returns the order id to resolve with: the one PayPal echoes back, or
// the original when the response has none or the order was captured already.
func (e *Engine) capture(ctx context.Context, providerOrderID string) (string, error) {
	if e.capturer == nil {
		return "", apperr.New(apperr.CaptureFailed, "no capture client configured")
	}
	c, err := e.capturer.CaptureOrder(ctx, providerOrderID)
	if errors.Is(err, paypal.ErrAlreadyCaptured) {
		log.Info().Str("provider_order_id", providerOrderID).Msg("order already captured, continuing")
		return providerOrderID, nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CaptureFailed, "capture failed", err)
	}
	ev := log.Info()
	if !strings.EqualFold(c.Status, "COMPLETED") {
		ev = log.Warn()
	}
	ev.Str("provider_order_id", providerOrderID).Str("capture_status", c.Status).Msg("order captured")
	if id := strings.TrimSpace(c.ID); id != "" {
		return id, nil
	}
	return providerOrderID, nil
}

func (e *Engine) apply(tx store.Tx, providerOrderID string, res *Result) error {
	rec, err := tx.FindOrder(providerOrderID)
	if err != nil {
		return lookupError(providerOrderID, err)
	}
	c := rec.Common()
	res.Status = c.Status
	res.LicenseKey = c.LicenseKey
	if rec.Purchase != nil {
		res.DownloadURL = rec.Purchase.DownloadURL
	}

	switch c.Status {
	case store.StatusCompleted:
		res.Outcome = OutcomeAlreadyCompleted
		res.DaysAdded = c.DaysAdded
		res.NewExpiresAt = c.NewExpiresAt
		return nil
	case store.StatusCreated:
	default:
		return apperr.Newf(apperr.OrderNotResumable, "order %s is %s", providerOrderID, c.Status)
	}

	key := strings.TrimSpace(c.LicenseKey)
	if key == "" || c.Days <= 0 {
		return apperr.Newf(apperr.OrderRecordInvalid, "order %s has no license key or days", c.ID)
	}

	now := e.now()
	lic, err := tx.License(key)
	switch {
	case errors.Is(err, store.ErrLicenseNotFound):
		if rec.Renewal != nil {
			return apperr.Newf(apperr.LicenseNotFound, "license %s does not exist", key)
		}
		lic = store.License{
			Key:    key,
			Active: true,
			Source: &store.LicenseSource{
				Type:          "purchase",
				NormalizedKey: key,
				UsernameRaw:   rec.Purchase.UsernameRaw,
				Email:         rec.Purchase.Email,
				OrderID:       c.OrderID,
				CreatedAt:     now,
			},
		}
		res.LicenseCreated = true
	case err != nil:
		return err
	}

	newExpiresAt := license.Extend(lic.ExpiresAt.Millis(), now.UnixMilli(), c.Days)
	lic.ExpiresAt = license.FromMillis(newExpiresAt)
	lic.LastSeen = &now
	if err := tx.PutLicense(lic); err != nil {
		return err
	}

	c.Status = store.StatusCompleted
	c.DaysAdded = c.Days
	c.NewExpiresAt = newExpiresAt
	c.PaidAt = &now
	if err := tx.PutOrder(rec); err != nil {
		return err
	}

	res.Outcome = OutcomeCompleted
	res.Status = store.StatusCompleted
	res.LicenseKey = key
	res.DaysAdded = c.Days
	res.NewExpiresAt = newExpiresAt
	return nil
}

// close moves a CREATED order to FAILED or CANCELED. Completed orders stay completed.
func (e *Engine) close(tx store.Tx, providerOrderID string, class Class, res *Result) error {
	rec, err := tx.FindOrder(providerOrderID)
	if err != nil {
		return lookupError(providerOrderID, err)
	}
	c := rec.Common()
	res.Status = c.Status
	res.LicenseKey = c.LicenseKey

	switch c.Status {
	case store.StatusCompleted:
		res.Outcome = OutcomeAlreadyCompleted
		res.DaysAdded = c.DaysAdded
		res.NewExpiresAt = c.NewExpiresAt
		return nil
	case store.StatusCreated:
	default:
		res.Outcome = OutcomeClosed
		return nil
	}

	now := e.now()
	c.Status = store.StatusFailed
	if class == ClassVoided {
		c.Status = store.StatusCanceled
	}
	c.ClosedAt = &now
	c.CloseReason = class.String()
	if err := tx.PutOrder(rec); err != nil {
		return err
	}
	res.Outcome = OutcomeClosed
	res.Status = c.Status
	return nil
}

func (e *Engine) record(res Result) {
	metrics.Fulfillments.WithLabelValues(string(res.Outcome), string(res.Kind)).Inc()
	if res.Outcome == OutcomeCompleted {
		metrics.DaysGranted.WithLabelValues(string(res.Kind)).Add(float64(res.DaysAdded))
	}
}

func lookupError(providerOrderID string, err error) error {
	if errors.Is(err, store.ErrOrderNotFound) {
		return apperr.Newf(apperr.OrderNotFound, "no pending order for %s", providerOrderID)
	}
	return apperr.Wrap(apperr.Internal, "order lookup failed", err)
}

func outcomeFor(err error) Outcome {
	switch apperr.From(err).Kind {
	case apperr.KindNotFound:
		return OutcomeNotFound
	case apperr.KindValidation, apperr.KindInvariant, apperr.KindConflict:
		return OutcomeInvalid
	case apperr.KindUpstream:
		return OutcomeUpstreamFailure
	default:
		return OutcomeError
	}
}

// LogNotifier reports completions to the log when no chat notifier is configured.
type LogNotifier struct{}

func (LogNotifier) OrderCompleted(_ context.Context, res Result) {
	log.Info().
		Str("kind", string(res.Kind)).
		Str("license_key", res.LicenseKey).
		Str("provider_order_id", res.ProviderOrderID).
		Int("days_added", res.DaysAdded).
		Time("expires_at", time.UnixMilli(res.NewExpiresAt).UTC()).
		Bool("license_created", res.LicenseCreated).
		Msg("order completed")
}
