package store

import (
	"errors"
	"time"

	"tikplays-license-api/internal/license"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrDuplicateOrder  = errors.New("provider order id already recorded")
)

type OrderStatus string

const (
	StatusCreated   OrderStatus = "CREATED"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusFailed    OrderStatus = "FAILED"
	StatusCanceled  OrderStatus = "CANCELED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type OrderKind string

const (
	KindRenewal  OrderKind = "renewal"
	KindPurchase OrderKind = "purchase"
)

// LicenseSource records how a license came to exist.
type LicenseSource struct {
	Type          string    `json:"type"`
	NormalizedKey string    `json:"normalizedKey"`
	UsernameRaw   string    `json:"usernameRaw"`
	Email         string    `json:"email"`
	OrderID       string    `json:"orderId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type License struct {
	Key         string         `json:"key"`
	Active      bool           `json:"active"`
	DeviceID    string         `json:"deviceId,omitempty"`
	ExpiresAt   license.Expiry `json:"expiresAt"`
	LastSeen    *time.Time     `json:"lastSeen,omitempty"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	Source      *LicenseSource `json:"source,omitempty"`
}

// OrderCommon holds the fields shared by both pending-order kinds.
type OrderCommon struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"orderId"` // provider order id
	Status     OrderStatus `json:"status"`
	LicenseKey string      `json:"licenseKey"`
	PlanID     string      `json:"planId"`
	Days       int         `json:"days"`
	Amount     string      `json:"amount"`
	Currency   string      `json:"currency"`
	CreatedAt  time.Time   `json:"createdAt"`

	DaysAdded    int        `json:"daysAdded,omitempty"`
	NewExpiresAt int64      `json:"newExpiresAt,omitempty"`
	PaidAt       *time.Time `json:"paidAt,omitempty"`

	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	CloseReason string     `json:"closeReason,omitempty"`
}

type RenewalOrder struct {
	OrderCommon
	DeviceID string `json:"deviceId"`
}

type PurchaseOrder struct {
	OrderCommon
	UsernameRaw string `json:"usernameRaw"`
	Email       string `json:"email"`
	DownloadURL string `json:"downloadUrl"`
}

// OrderRecord is either a renewal or a purchase; exactly one field is set.
type OrderRecord struct {
	Renewal  *RenewalOrder
	Purchase *PurchaseOrder
}

func (r OrderRecord) Kind() OrderKind {
	if r.Renewal != nil {
		return KindRenewal
	}
	return KindPurchase
}

// Common returns the shared fields; writes through it modify the record.
func (r OrderRecord) Common() *OrderCommon {
	if r.Renewal != nil {
		return &r.Renewal.OrderCommon
	}
	if r.Purchase != nil {
		return &r.Purchase.OrderCommon
	}
	return nil
}

type ActivateResult struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
	NewlyBound bool   `json:"newlyBound"`
}

// Tx is the view of the store inside one read or read-write transaction.
type Tx interface {
	License(key string) (License, error)
	PutLicense(lic License) error
	// FindOrder resolves a provider order id, renewals first, then purchases.
	FindOrder(providerOrderID string) (OrderRecord, error)
	InsertOrder(rec OrderRecord) error
	PutOrder(rec OrderRecord) error
}

type Store interface {
	Close() error

	// Update runs fn in one atomic read-write transaction; an error from fn discards every write.
	Update(fn func(tx Tx) error) error
	View(fn func(tx Tx) error) error

	GetLicense(key string) (License, error)
	FindOrder(providerOrderID string) (OrderRecord, error)
	InsertOrder(rec OrderRecord) error
	ListLicenses(limit int) ([]License, error)
	ListOrders(kind OrderKind, limit int) ([]OrderRecord, error)

	Activate(key string, deviceID string) (ActivateResult, error)
}
