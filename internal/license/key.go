package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Order id prefixes, one per pending-order kind.
const (
	RenewalPrefix  = "ren"
	PurchasePrefix = "pur"
)

var handlePattern = regexp.MustCompile(`^[a-z0-9._]{2,24}$`)

// NormalizeHandle turns a raw username ("@Some.User ") into the license key form ("some.user").
func NormalizeHandle(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidHandle reports whether h is an already-normalized handle usable as a license key.
func ValidHandle(h string) bool {
	return handlePattern.MatchString(h)
}

// NewOrderID returns an internal pending-order id such as "ren_1700000000000_9f2c4a1b".
func NewOrderID(prefix string, now time.Time) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), hex.EncodeToString(b)), nil
}
