package orders

import (
	"context"
	"errors"
	"strings"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/fulfillment"
	"tikplays-license-api/internal/store"

	"github.com/rs/zerolog/log"
)

type Completer interface {
	CompleteOrder(ctx context.Context, providerOrderID string, class fulfillment.Class) (fulfillment.Result, error)
}

// View is what a polling client sees of a pending order.
type View struct {
	Status       store.OrderStatus `json:"status"`
	DaysAdded    int               `json:"daysAdded"`
	NewExpiresAt *int64            `json:"newExpiresAt"`
	LicenseKey   string            `json:"licenseKey,omitempty"`
	DownloadURL  string            `json:"downloadUrl,omitempty"`
}

// Status projects stored order state for client polling. With reconcile on, a
// CREATED order is checked against PayPal and completed through the engine.
type Status struct {
	st        store.Store
	provider  Provider
	engine    Completer
	reconcile bool
}

func NewStatus(st store.Store, provider Provider, engine Completer, reconcile bool) *Status {
	return &Status{st: st, provider: provider, engine: engine, reconcile: reconcile}
}

// RenewalStatus requires the caller's license key and device id to match the order.
func (s *Status) RenewalStatus(ctx context.Context, providerOrderID, licenseKey, deviceID string) (View, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	licenseKey = strings.TrimSpace(licenseKey)
	deviceID = strings.TrimSpace(deviceID)
	if providerOrderID == "" || licenseKey == "" || deviceID == "" {
		return View{}, apperr.New(apperr.BadRequest, "orderId, licenseKey and deviceId are required")
	}

	rec, err := s.find(providerOrderID, store.KindRenewal)
	if err != nil {
		return View{}, err
	}
	if rec.Renewal.LicenseKey != licenseKey || rec.Renewal.DeviceID != deviceID {
		return View{}, apperr.New(apperr.Forbidden, "order does not belong to this license or device")
	}
	return s.project(ctx, rec)
}

// PurchaseStatus has no ownership check; the provider order id is the bearer secret.
func (s *Status) PurchaseStatus(ctx context.Context, providerOrderID string) (View, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return View{}, apperr.New(apperr.BadRequest, "orderId is required")
	}
	rec, err := s.find(providerOrderID, store.KindPurchase)
	if err != nil {
		return View{}, err
	}
	return s.project(ctx, rec)
}

func (s *Status) find(providerOrderID string, kind store.OrderKind) (store.OrderRecord, error) {
	rec, err := s.st.FindOrder(providerOrderID)
	if errors.Is(err, store.ErrOrderNotFound) || (err == nil && rec.Kind() != kind) {
		return store.OrderRecord{}, apperr.New(apperr.OrderNotFound, "order not found")
	}
	if err != nil {
		return store.OrderRecord{}, apperr.Wrap(apperr.Internal, "order lookup failed", err)
	}
	return rec, nil
}

func (s *Status) project(ctx context.Context, rec store.OrderRecord) (View, error) {
	c := rec.Common()
	if s.reconcile && c.Status == store.StatusCreated && s.reconcileOrder(ctx, c.OrderID) {
		fresh, err := s.st.FindOrder(c.OrderID)
		if err != nil {
			return View{}, apperr.Wrap(apperr.Internal, "order reload failed", err)
		}
		rec = fresh
		c = rec.Common()
	}

	v := View{Status: c.Status, DaysAdded: c.DaysAdded}
	if c.Status == store.StatusCompleted {
		if c.NewExpiresAt > 0 {
			exp := c.NewExpiresAt
			v.NewExpiresAt = &exp
		}
		if rec.Purchase != nil {
			v.LicenseKey = rec.Purchase.LicenseKey
			v.DownloadURL = rec.Purchase.DownloadURL
		}
	}
	return v, nil
}

// reconcileOrder reports whether the engine ran. Failures only get logged.
func (s *Status) reconcileOrder(ctx context.Context, providerOrderID string) bool {
	if s.provider == nil || s.engine == nil {
		return false
	}
	order, err := s.provider.GetOrder(ctx, providerOrderID)
	if err != nil {
		log.Warn().Err(err).Str("provider_order_id", providerOrderID).Msg("status reconcile: get order failed")
		return false
	}

	var class fulfillment.Class
	switch strings.ToUpper(order.Status) {
	case "APPROVED":
		class = fulfillment.ClassApproved
	case "COMPLETED":
		class = fulfillment.ClassFinal
	case "VOIDED":
		class = fulfillment.ClassVoided
	default:
		return false
	}
	if _, err := s.engine.CompleteOrder(ctx, providerOrderID, class); err != nil {
		log.Warn().Err(err).Str("provider_order_id", providerOrderID).Str("paypal_status", order.Status).Msg("status reconcile: engine failed")
	}
	return true
}
