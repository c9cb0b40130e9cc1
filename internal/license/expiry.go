package license

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DayMillis is one entitlement day in milliseconds.
const DayMillis int64 = 86_400_000

// Numeric expiries above this are already milliseconds; anything else is seconds.
const millisThreshold = 1e12

// Epochs at or past this no longer fit an int64 and saturate.
const maxMillis = float64(math.MaxInt64)

// ExpiryKind tags which representation an Expiry was read from.
type ExpiryKind int

const (
	ExpiryAbsent ExpiryKind = iota
	ExpiryEpoch
	ExpiryTime
	ExpiryTimestamp
	ExpiryUnparseable
)

func (k ExpiryKind) String() string {
	switch k {
	case ExpiryAbsent:
		return "absent"
	case ExpiryEpoch:
		return "epoch"
	case ExpiryTime:
		return "time"
	case ExpiryTimestamp:
		return "timestamp"
	case ExpiryUnparseable:
		return "unparseable"
	default:
		return "unknown"
	}
}

// Expiry is a license expiry in any of the shapes it has been stored in over time:
// epoch seconds, epoch milliseconds, a date/time, a {seconds,nanos} timestamp
// wrapper, or a string holding either a number or a date.
//
// The zero value is ExpiryAbsent.
type Expiry struct {
	kind  ExpiryKind
	epoch float64
	t     time.Time
}

// FromMillis builds an expiry from epoch milliseconds.
func FromMillis(ms int64) Expiry {
	if ms <= 0 {
		return Expiry{}
	}
	return Expiry{kind: ExpiryEpoch, epoch: float64(ms)}
}

// FromNumber builds an expiry from an epoch value whose unit is inferred.
func FromNumber(n float64) Expiry {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Expiry{kind: ExpiryUnparseable}
	}
	if n <= 0 {
		return Expiry{}
	}
	return Expiry{kind: ExpiryEpoch, epoch: n}
}

// FromTime builds an expiry from a date/time value.
func FromTime(t time.Time) Expiry {
	if t.IsZero() {
		return Expiry{}
	}
	return Expiry{kind: ExpiryTime, t: t}
}

// FromTimestamp builds an expiry from a seconds/nanos timestamp wrapper.
func FromTimestamp(seconds, nanos int64) Expiry {
	if seconds == 0 && nanos == 0 {
		return Expiry{}
	}
	return Expiry{kind: ExpiryTimestamp, t: time.Unix(seconds, nanos)}
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseExpiry reads a string expiry: a positive number (unit inferred) or a calendar date/time.
func ParseExpiry(s string) Expiry {
	s = strings.TrimSpace(s)
	if s == "" {
		return Expiry{}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > 0 && !math.IsInf(n, 0) {
			return Expiry{kind: ExpiryEpoch, epoch: n}
		}
		return Expiry{kind: ExpiryUnparseable}
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Expiry{kind: ExpiryTime, t: t}
		}
	}
	return Expiry{kind: ExpiryUnparseable}
}

// Kind reports the representation the expiry came from.
func (e Expiry) Kind() ExpiryKind { return e.kind }

// Millis returns the expiry as epoch milliseconds. Absent, unparseable and
// pre-epoch values all mean "no prior entitlement" and return 0.
func (e Expiry) Millis() int64 {
	var ms int64
	switch e.kind {
	case ExpiryEpoch:
		switch {
		case e.epoch >= maxMillis:
			return math.MaxInt64
		case e.epoch > millisThreshold:
			ms = int64(e.epoch)
		default:
			ms = int64(e.epoch * 1000)
		}
	case ExpiryTime, ExpiryTimestamp:
		if e.t.Unix() > math.MaxInt64/1000 {
			return math.MaxInt64
		}
		ms = e.t.UnixMilli()
	case ExpiryAbsent, ExpiryUnparseable:
		return 0
	}
	if ms < 0 {
		return 0
	}
	return ms
}

// MarshalJSON always writes epoch milliseconds, or null when there is no entitlement.
func (e Expiry) MarshalJSON() ([]byte, error) {
	ms := e.Millis()
	if ms == 0 {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, ms, 10), nil
}

type timestampWrapper struct {
	Seconds     *int64 `json:"seconds"`
	Nanos       int64  `json:"nanos"`
	LegacySecs  *int64 `json:"_seconds"`
	LegacyNanos int64  `json:"_nanoseconds"`
}

// UnmarshalJSON accepts every stored shape. It never fails: bad input becomes ExpiryUnparseable.
func (e *Expiry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*e = Expiry{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*e = Expiry{kind: ExpiryUnparseable}
			return nil
		}
		*e = ParseExpiry(s)
	case data[0] == '{':
		var w timestampWrapper
		if err := json.Unmarshal(data, &w); err != nil {
			*e = Expiry{kind: ExpiryUnparseable}
			return nil
		}
		switch {
		case w.Seconds != nil:
			*e = FromTimestamp(*w.Seconds, w.Nanos)
		case w.LegacySecs != nil:
			*e = FromTimestamp(*w.LegacySecs, w.LegacyNanos)
		default:
			*e = Expiry{kind: ExpiryUnparseable}
		}
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			*e = Expiry{kind: ExpiryUnparseable}
			return nil
		}
		*e = FromNumber(n)
	}
	return nil
}

// Extend returns the expiry after granting days: counting starts from the later
// of now and the current expiry, so remaining time is kept and a lapsed license
// restarts from the payment time. The result saturates at math.MaxInt64.
func Extend(currentMs, nowMs int64, days int) int64 {
	base := nowMs
	if currentMs > base {
		base = currentMs
	}
	if days <= 0 {
		return base
	}
	if int64(days) > math.MaxInt64/DayMillis {
		return math.MaxInt64
	}
	grant := int64(days) * DayMillis
	if base > math.MaxInt64-grant {
		return math.MaxInt64
	}
	return base + grant
}
