package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/license"
	"tikplays-license-api/internal/metrics"
	"tikplays-license-api/internal/paypal"
	"tikplays-license-api/internal/plan"
	"tikplays-license-api/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const currency = "USD"

// Provider is the part of the PayPal client the order paths use.
type Provider interface {
	CreateOrder(ctx context.Context, req paypal.CreateOrderRequest) (paypal.Order, error)
	GetOrder(ctx context.Context, orderID string) (paypal.Order, error)
}

// PriceFunc resolves a plan price key such as PRICE_1M_USD.
type PriceFunc func(key string) (float64, bool)

type RenewalRequest struct {
	PlanID     string `json:"planId"`
	LicenseKey string `json:"licenseKey" validate:"required,max=128"`
	DeviceID   string `json:"deviceId" validate:"required,max=128"`
}

type PurchaseRequest struct {
	PlanID   string `json:"planId"`
	Username string `json:"username" validate:"required,handle"`
	Email    string `json:"email" validate:"required,email,max=254"`
}

// Created is returned once the pending order is persisted.
type Created struct {
	Kind            store.OrderKind
	LocalID         string
	ProviderOrderID string
	ApproveURL      string
	LicenseKey      string
}

type GatewayConfig struct {
	BrandName   string
	DownloadURL string
}

// Gateway opens PayPal orders and records them as CREATED.
type Gateway struct {
	st        store.Store
	provider  Provider
	price     PriceFunc
	cfg       GatewayConfig
	validate  *validator.Validate
	now       func() time.Time
	requestID func() string
}

// newValidator panics when a custom rule fails to register: that is a
// programming error and every request would fail with it.
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("handle", isHandle); err != nil {
		panic(fmt.Sprintf("orders: register handle validation: %v", err))
	}
	return v
}

func NewGateway(st store.Store, provider Provider, price PriceFunc, cfg GatewayConfig) *Gateway {
	v := newValidator()
	return &Gateway{
		st:        st,
		provider:  provider,
		price:     price,
		cfg:       cfg,
		validate:  v,
		now:       func() time.Time { return time.Now().UTC() },
		requestID: uuid.NewString,
	}
}

func isHandle(fl validator.FieldLevel) bool {
	return license.ValidHandle(fl.Field().String())
}

// CreateRenewalOrder opens an order extending an existing, active license bound to req.DeviceID.
func (g *Gateway) CreateRenewalOrder(ctx context.Context, req RenewalRequest) (Created, error) {
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	req.DeviceID = strings.TrimSpace(req.DeviceID)

	p, ok := plan.Lookup(req.PlanID)
	if !ok {
		return Created{}, apperr.Newf(apperr.InvalidPlan, "unknown plan %q", req.PlanID)
	}
	if err := g.validate.Struct(req); err != nil {
		return Created{}, apperr.Wrap(apperr.InvalidSubject, "licenseKey and deviceId are required", err)
	}

	lic, err := g.st.GetLicense(req.LicenseKey)
	if errors.Is(err, store.ErrLicenseNotFound) {
		return Created{}, apperr.New(apperr.LicenseNotFound, "license does not exist")
	}
	if err != nil {
		return Created{}, apperr.Wrap(apperr.Internal, "license lookup failed", err)
	}
	if !lic.Active {
		return Created{}, apperr.New(apperr.LicenseInactive, "license is inactive")
	}
	if lic.DeviceID != req.DeviceID {
		return Created{}, apperr.New(apperr.DeviceMismatch, "license is bound to another device")
	}

	amount, err := g.amount(p)
	if err != nil {
		return Created{}, err
	}
	now := g.now()
	id, err := license.NewOrderID(license.RenewalPrefix, now)
	if err != nil {
		return Created{}, apperr.Wrap(apperr.Internal, "order id", err)
	}
	order, err := g.open(ctx, id, "renewal", p, amount)
	if err != nil {
		return Created{}, err
	}

	rec := store.OrderRecord{Renewal: &store.RenewalOrder{
		OrderCommon: g.common(id, order.ID, req.LicenseKey, p, amount, now),
		DeviceID:    req.DeviceID,
	}}
	return g.persist(rec, order)
}

// CreatePurchaseOrder opens an order for a new license keyed by the normalized handle.
func (g *Gateway) CreatePurchaseOrder(ctx context.Context, req PurchaseRequest) (Created, error) {
	req.PlanID = strings.TrimSpace(req.PlanID)
	raw := strings.TrimSpace(req.Username)
	req.Username = license.NormalizeHandle(raw)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	p, ok := plan.Lookup(req.PlanID)
	if !ok {
		return Created{}, apperr.Newf(apperr.InvalidPlan, "unknown plan %q", req.PlanID)
	}
	if err := g.validate.Struct(req); err != nil {
		return Created{}, apperr.Wrap(apperr.InvalidSubject, subjectMessage(err), err)
	}

	amount, err := g.amount(p)
	if err != nil {
		return Created{}, err
	}
	now := g.now()
	id, err := license.NewOrderID(license.PurchasePrefix, now)
	if err != nil {
		return Created{}, apperr.Wrap(apperr.Internal, "order id", err)
	}
	order, err := g.open(ctx, id, "license", p, amount)
	if err != nil {
		return Created{}, err
	}

	rec := store.OrderRecord{Purchase: &store.PurchaseOrder{
		OrderCommon: g.common(id, order.ID, req.Username, p, amount, now),
		UsernameRaw: raw,
		Email:       req.Email,
		DownloadURL: g.cfg.DownloadURL,
	}}
	return g.persist(rec, order)
}

func (g *Gateway) amount(p plan.Plan) (string, error) {
	price, ok := g.price(p.PriceKey)
	if !ok || price <= 0 {
		return "", apperr.Newf(apperr.PriceUnconfigured, "price for %s is not configured", p.PriceKey)
	}
	return fmt.Sprintf("%.2f", price), nil
}

func (g *Gateway) open(ctx context.Context, id, what string, p plan.Plan, amount string) (paypal.Order, error) {
	prefix := strings.ToLower(strings.TrimSpace(g.cfg.BrandName))
	invoiceID := id
	if prefix != "" {
		invoiceID = prefix + "_" + id
	}
	order, err := g.provider.CreateOrder(ctx, paypal.CreateOrderRequest{
		RequestID:   g.requestID(),
		ReferenceID: id,
		InvoiceID:   invoiceID,
		Description: strings.TrimSpace(fmt.Sprintf("%s %s %s", g.cfg.BrandName, what, p.ID)),
		Amount:      amount,
		Currency:    currency,
	})
	if err != nil {
		return paypal.Order{}, apperr.Wrap(apperr.ProviderOrderCreateFailed, "could not create the PayPal order", err)
	}
	if order.ApproveURL() == "" {
		return paypal.Order{}, apperr.New(apperr.ProviderOrderCreateFailed, "PayPal returned no approve url")
	}
	return order, nil
}

func (g *Gateway) common(id, providerOrderID, key string, p plan.Plan, amount string, now time.Time) store.OrderCommon {
	return store.OrderCommon{
		ID:         id,
		OrderID:    providerOrderID,
		Status:     store.StatusCreated,
		LicenseKey: key,
		PlanID:     p.ID,
		Days:       p.Days,
		Amount:     amount,
		Currency:   currency,
		CreatedAt:  now,
	}
}

// persist writes the CREATED record before the approve url leaves the process.
func (g *Gateway) persist(rec store.OrderRecord, order paypal.Order) (Created, error) {
	c := rec.Common()
	if err := g.st.InsertOrder(rec); err != nil {
		return Created{}, apperr.Wrap(apperr.Internal, "could not record the order", err)
	}
	metrics.OrdersCreated.WithLabelValues(string(rec.Kind())).Inc()
	log.Info().
		Str("kind", string(rec.Kind())).
		Str("id", c.ID).
		Str("provider_order_id", c.OrderID).
		Str("plan", c.PlanID).
		Str("amount", c.Amount).
		Msg("order created")
	return Created{
		Kind:            rec.Kind(),
		LocalID:         c.ID,
		ProviderOrderID: order.ID,
		ApproveURL:      order.ApproveURL(),
		LicenseKey:      c.LicenseKey,
	}, nil
}

func subjectMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return strings.ToLower(fe.Field()) + " is required"
	case "handle":
		return "username must be 2-24 characters of a-z, 0-9, dot or underscore"
	case "email":
		return "email must be a valid email address"
	default:
		return strings.ToLower(fe.Field()) + " is invalid"
	}
}
