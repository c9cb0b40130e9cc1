package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/fulfillment"
	"tikplays-license-api/internal/orders"
	"tikplays-license-api/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxRequestBody = 64 << 10

type OrderCreator interface {
	CreateRenewalOrder(ctx context.Context, req orders.RenewalRequest) (orders.Created, error)
	CreatePurchaseOrder(ctx context.Context, req orders.PurchaseRequest) (orders.Created, error)
}

type StatusReader interface {
	RenewalStatus(ctx context.Context, providerOrderID, licenseKey, deviceID string) (orders.View, error)
	PurchaseStatus(ctx context.Context, providerOrderID string) (orders.View, error)
}

type WebhookVerifier interface {
	Verify(ctx context.Context, headers http.Header, body []byte) error
}

type EventHandler interface {
	HandleEvent(ctx context.Context, evt fulfillment.Event) (fulfillment.Result, error)
}

type Activator interface {
	Activate(key, deviceID string) (store.ActivateResult, error)
}

type Deps struct {
	Orders   OrderCreator
	Status   StatusReader
	Verifier WebhookVerifier
	Engine   EventHandler
	Licenses Activator
}

type Options struct {
	Mode           string
	ProxyKey       string
	RateLimitRPS   float64
	RateLimitBurst int
	MetricsEnabled bool

	// TrustProxy honours X-Forwarded-For and X-Real-IP. Leave it off unless a
	// reverse proxy overwrites those headers.
	TrustProxy bool
}

type API struct {
	deps    Deps
	opts    Options
	limiter *ipLimiter
}

func New(deps Deps, opts Options) *API {
	return &API{deps: deps, opts: opts, limiter: newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst)}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if a.opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperr.New(apperr.BadRequest, "route not found"), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperr.New(apperr.BadRequest, "method not allowed"), http.StatusMethodNotAllowed)
	})

	r.Get("/health", a.handleHealth)
	r.Post("/paypalWebhook", a.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(a.requireProxyKey)
		r.Post("/createRenewalOrder", a.handleCreateRenewal)
		r.Get("/getRenewalOrderStatus", a.handleRenewalStatus)
		r.Post("/activateLicense", a.handleActivate)
		if a.opts.MetricsEnabled {
			r.Handle("/metrics", promhttp.Handler())
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(a.limiter.middleware)
		r.Post("/createPurchaseOrder", a.handleCreatePurchase)
		r.Get("/getPurchaseOrderStatus", a.handlePurchaseStatus)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": a.opts.Mode})
}

type createRenewalResp struct {
	OK         bool   `json:"ok"`
	RenewalID  string `json:"renewalId"`
	OrderID    string `json:"orderId"`
	ApproveURL string `json:"approveUrl"`
}

func (a *API) handleCreateRenewal(w http.ResponseWriter, r *http.Request) {
	var req orders.RenewalRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := a.deps.Orders.CreateRenewalOrder(r.Context(), req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, createRenewalResp{
		OK:         true,
		RenewalID:  created.LocalID,
		OrderID:    created.ProviderOrderID,
		ApproveURL: created.ApproveURL,
	})
}

type createPurchaseResp struct {
	OK         bool   `json:"ok"`
	PurchaseID string `json:"purchaseId"`
	OrderID    string `json:"orderId"`
	ApproveURL string `json:"approveUrl"`
	LicenseKey string `json:"licenseKey"`
}

func (a *API) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req orders.PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := a.deps.Orders.CreatePurchaseOrder(r.Context(), req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, createPurchaseResp{
		OK:         true,
		PurchaseID: created.LocalID,
		OrderID:    created.ProviderOrderID,
		ApproveURL: created.ApproveURL,
		LicenseKey: created.LicenseKey,
	})
}

type statusResp struct {
	OK bool `json:"ok"`
	orders.View
}

func (a *API) handleRenewalStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, err := a.deps.Status.RenewalStatus(r.Context(), q.Get("orderId"), q.Get("licenseKey"), q.Get("deviceId"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OK: true, View: v})
}

func (a *API) handlePurchaseStatus(w http.ResponseWriter, r *http.Request) {
	v, err := a.deps.Status.PurchaseStatus(r.Context(), r.URL.Query().Get("orderId"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OK: true, View: v})
}

type activateReq struct {
	LicenseKey string `json:"licenseKey"`
	DeviceID   string `json:"deviceId"`
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, store.ActivateResult{OK: false, Reason: "bad_json"})
		return
	}
	res, err := a.deps.Licenses.Activate(req.LicenseKey, req.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("activate failed")
		writeJSON(w, http.StatusInternalServerError, store.ActivateResult{OK: false, Reason: "server_error"})
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

type errorResp struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// decode reads a JSON body and writes a 400 itself when it cannot.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		status := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			status = http.StatusRequestEntityTooLarge
		}
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeError(w, apperr.Wrap(apperr.BadRequest, "invalid JSON body", err), status)
		return false
	}
	return true
}

// writeError renders err as {ok:false, code, reason}. status 0 takes the code from the error.
func writeError(w http.ResponseWriter, err error, status int) {
	ae := apperr.From(err)
	if status == 0 {
		status = ae.HTTPStatus()
	}
	msg := ae.Message
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(ae.Reason)).Int("status", status).Msg("request failed")
		if ae.Kind == apperr.KindInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorResp{OK: false, Code: string(ae.Reason), Reason: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
