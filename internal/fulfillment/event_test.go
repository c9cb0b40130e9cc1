package fulfillment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"PAYMENT.CAPTURE.COMPLETED": ClassFinal,
		"CHECKOUT.ORDER.COMPLETED":  ClassFinal,
		" checkout.order.approved ": ClassApproved,
		"PAYMENT.CAPTURE.DENIED":    ClassDenied,
		"PAYMENT.CAPTURE.DECLINED":  ClassDenied,
		"CHECKOUT.ORDER.VOIDED":     ClassVoided,
		"PAYMENT.CAPTURE.REFUNDED":  ClassIgnored,
		"BILLING.SUBSCRIPTION.SOLD": ClassIgnored,
		"":                          ClassIgnored,
	}
	for eventType, want := range cases {
		require.Equal(t, want, Classify(eventType), eventType)
	}
}

func TestEventOrderID(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "related ids win",
			raw:  `{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","invoice_id":"INV","supplementary_data":{"related_ids":{"order_id":"ORD-1"}}}}`,
			want: "ORD-1",
		},
		{
			name: "order events use resource id",
			raw:  `{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD-2","invoice_id":"INV"}}`,
			want: "ORD-2",
		},
		{
			name: "capture id is not an order id",
			raw:  `{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","invoice_id":"INV-3"}}`,
			want: "INV-3",
		},
		{
			name: "nothing usable",
			raw:  `{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1"}}`,
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var evt Event
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &evt))
			require.Equal(t, tc.want, evt.OrderID())
		})
	}
}
