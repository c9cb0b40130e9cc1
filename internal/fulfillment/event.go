package fulfillment

import (
	"strings"
)

// Class is what an incoming payment event means for a pending order.
type Class int

const (
	// ClassIgnored events are acknowledged without touching any record.
	ClassIgnored Class = iota
	// ClassFinal events report money already captured.
	ClassFinal
	// ClassApproved events report a buyer approval that still needs a capture.
	ClassApproved
	// ClassDenied events report a capture the provider refused.
	ClassDenied
	// ClassVoided events report an order the provider cancelled.
	ClassVoided
)

func (c Class) String() string {
	switch c {
	case ClassFinal:
		return "final"
	case ClassApproved:
		return "approved"
	case ClassDenied:
		return "denied"
	case ClassVoided:
		return "voided"
	default:
		return "ignored"
	}
}

// Classify maps a PayPal event_type onto a Class.
func Classify(eventType string) Class {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		return ClassFinal
	case "CHECKOUT.ORDER.APPROVED":
		return ClassApproved
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return ClassDenied
	case "CHECKOUT.ORDER.VOIDED":
		return ClassVoided
	default:
		return ClassIgnored
	}
}

// Event is the part of the PayPal webhook envelope the service reads.
type Event struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Resource  resource `json:"resource"`
}

type resource struct {
	ID                string `json:"id"`
	InvoiceID         string `json:"invoice_id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// Type returns the upper-cased event type.
func (e Event) Type() string {
	return strings.ToUpper(strings.TrimSpace(e.EventType))
}

// OrderID finds the provider order id. Capture events carry it under related_ids,
// order events are the order itself, and invoice_id is the last resort.
func (e Event) OrderID() string {
	if id := strings.TrimSpace(e.Resource.SupplementaryData.RelatedIDs.OrderID); id != "" {
		return id
	}
	if strings.HasPrefix(e.Type(), "CHECKOUT.ORDER.") {
		if id := strings.TrimSpace(e.Resource.ID); id != "" {
			return id
		}
	}
	return strings.TrimSpace(e.Resource.InvoiceID)
}
