package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindUpstream      Kind = "upstream"
	KindInvariant     Kind = "invariant"
	KindConflict      Kind = "conflict"
	KindConfig        Kind = "config"
	KindInternal      Kind = "internal"
)

// Reason is the stable machine-readable code sent to clients.
type Reason string

const (
	InvalidPlan               Reason = "INVALID_PLAN"
	InvalidSubject            Reason = "INVALID_SUBJECT"
	BadRequest                Reason = "BAD_REQUEST"
	MissingOrderID            Reason = "MISSING_ORDER_ID"
	LicenseInactive           Reason = "LICENSE_INACTIVE"
	DeviceMismatch            Reason = "DEVICE_MISMATCH"
	Forbidden                 Reason = "FORBIDDEN"
	Unauthorized              Reason = "UNAUTHORIZED"
	SignatureInvalid          Reason = "SIGNATURE_INVALID"
	LicenseNotFound           Reason = "LICENSE_NOT_FOUND"
	OrderNotFound             Reason = "ORDER_NOT_FOUND"
	ProviderOrderCreateFailed Reason = "PROVIDER_ORDER_CREATE_FAILED"
	CaptureFailed             Reason = "CAPTURE_FAILED"
	VerificationFailed        Reason = "VERIFICATION_FAILED"
	OrderRecordInvalid        Reason = "ORDER_RECORD_INVALID"
	OrderNotResumable         Reason = "ORDER_NOT_RESUMABLE"
	PriceUnconfigured         Reason = "PRICE_UNCONFIGURED"
	WebhookUnconfigured       Reason = "WEBHOOK_UNCONFIGURED"
	Internal                  Reason = "INTERNAL"
)

var reasonKinds = map[Reason]Kind{
	InvalidPlan:               KindValidation,
	InvalidSubject:            KindValidation,
	BadRequest:                KindValidation,
	MissingOrderID:            KindValidation,
	LicenseInactive:           KindValidation,
	DeviceMismatch:            KindAuthorization,
	Forbidden:                 KindAuthorization,
	Unauthorized:              KindAuthorization,
	SignatureInvalid:          KindAuthorization,
	LicenseNotFound:           KindNotFound,
	OrderNotFound:             KindNotFound,
	ProviderOrderCreateFailed: KindUpstream,
	CaptureFailed:             KindUpstream,
	VerificationFailed:        KindUpstream,
	OrderRecordInvalid:        KindInvariant,
	OrderNotResumable:         KindConflict,
	PriceUnconfigured:         KindConfig,
	WebhookUnconfigured:       KindConfig,
	Internal:                  KindInternal,
}

// Error is a classified failure carrying a stable reason and a human-readable message.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

// New builds an Error; the kind is derived from the reason.
func New(reason Reason, msg string) *Error {
	return &Error{Kind: kindOf(reason), Reason: reason, Message: msg}
}

// Wrap builds an Error around a cause.
func Wrap(reason Reason, msg string, err error) *Error {
	return &Error{Kind: kindOf(reason), Reason: reason, Message: msg, Err: err}
}

// Newf is New with a formatted message.
func Newf(reason Reason, format string, args ...any) *Error {
	return New(reason, fmt.Sprintf(format, args...))
}

func kindOf(r Reason) Kind {
	if k, ok := reasonKinds[r]; ok {
		return k
	}
	return KindInternal
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by reason, so errors.Is(err, apperr.New(apperr.OrderNotFound, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

// Retryable reports whether trying again later can succeed: the record may not be
// visible yet, or the provider may recover.
func (e *Error) Retryable() bool {
	return e.Kind == KindNotFound || e.Kind == KindUpstream
}

// HTTPStatus maps the error onto a response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		if e.Reason == Unauthorized || e.Reason == SignatureInvalid {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ReasonOf extracts the reason of err, or Internal when err is not classified.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return Internal
}

// From returns err as an *Error, classifying unknown errors as Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Internal, "internal error", err)
}

// HasReason reports whether err carries reason r.
func HasReason(err error, r Reason) bool {
	return ReasonOf(err) == r
}
