package telegram

import (
	"fmt"
	"strings"
	"time"

	"tikplays-license-api/internal/fulfillment"
	"tikplays-license-api/internal/store"
)

func formatLicense(lic store.License, now time.Time) string {
	lines := []string{
		"License: " + lic.Key,
		fmt.Sprintf("Active: %v", lic.Active),
		"Expires: " + expiryLabel(lic.ExpiresAt.Millis(), now),
		"Device: " + orDash(lic.DeviceID),
	}
	if lic.ActivatedAt != nil {
		lines = append(lines, "Activated: "+lic.ActivatedAt.UTC().Format(time.RFC3339))
	}
	if lic.LastSeen != nil {
		lines = append(lines, "Last credited: "+lic.LastSeen.UTC().Format(time.RFC3339))
	}
	if s := lic.Source; s != nil {
		lines = append(lines,
			"Source: "+s.Type,
			"Handle: "+orDash(s.UsernameRaw),
			"Email: "+orDash(s.Email),
			"First order: "+orDash(s.OrderID),
		)
	}
	return strings.Join(lines, "\n")
}

func formatOrder(rec store.OrderRecord) string {
	c := rec.Common()
	lines := []string{
		fmt.Sprintf("%s order %s", rec.Kind(), c.ID),
		"PayPal: " + c.OrderID,
		"Status: " + string(c.Status),
		"License: " + c.LicenseKey,
		fmt.Sprintf("Plan: %s (%d days)", c.PlanID, c.Days),
		fmt.Sprintf("Amount: %s %s", c.Amount, c.Currency),
		"Created: " + c.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch {
	case rec.Renewal != nil:
		lines = append(lines, "Device: "+orDash(rec.Renewal.DeviceID))
	case rec.Purchase != nil:
		lines = append(lines, "Handle: "+orDash(rec.Purchase.UsernameRaw), "Email: "+orDash(rec.Purchase.Email))
	}
	if c.PaidAt != nil {
		lines = append(lines,
			"Paid: "+c.PaidAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("Days added: %d", c.DaysAdded),
			"New expiry: "+time.UnixMilli(c.NewExpiresAt).UTC().Format(time.RFC3339),
		)
	}
	if c.ClosedAt != nil {
		lines = append(lines, "Closed: "+c.ClosedAt.UTC().Format(time.RFC3339)+" ("+orDash(c.CloseReason)+")")
	}
	return strings.Join(lines, "\n")
}

func formatCompletion(res fulfillment.Result) string {
	title := "✅ Renewal paid"
	if res.Kind == store.KindPurchase {
		title = "✅ License purchased"
		if res.LicenseCreated {
			title = "🆕 New license purchased"
		}
	}
	return strings.Join([]string{
		title,
		"License: " + res.LicenseKey,
		fmt.Sprintf("Days added: %d", res.DaysAdded),
		"Expires: " + time.UnixMilli(res.NewExpiresAt).UTC().Format(time.RFC3339),
		"PayPal: " + res.ProviderOrderID,
	}, "\n")
}

// expiryLabel renders an epoch-ms expiry relative to now.
func expiryLabel(ms int64, now time.Time) string {
	if ms <= 0 {
		return "never activated"
	}
	exp := time.UnixMilli(ms).UTC()
	d := exp.Sub(now)
	if d <= 0 {
		return exp.Format("2006-01-02") + " (expired)"
	}
	return fmt.Sprintf("%s (%dd left)", exp.Format("2006-01-02"), int(d.Hours()/24))
}

func orDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
