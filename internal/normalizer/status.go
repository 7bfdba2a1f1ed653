package normalizer

import (
	"strconv"
	"strings"
	"time"

	"lopeswhatsapp/internal/models"

	"github.com/tidwall/gjson"
)

// Numeric acknowledgement codes some gateway versions send instead of names.
var ackNames = map[int64]string{
	0: "ERROR",
	1: "PENDING",
	2: "SERVER_ACK",
	3: "DELIVERY_ACK",
	4: "READ",
	5: "PLAYED",
}

type statusRule struct {
	substrings []string
	status     models.MessageStatus
}

// Checked in order. Codes matching none of them (PENDING, SERVER_ACK,
// PLAYED) are discarded.
var statusRules = []statusRule{
	{[]string{"delivery"}, models.StatusDelivered},
	{[]string{"read"}, models.StatusRead},
	{[]string{"sent"}, models.StatusSent},
	{[]string{"error", "fail"}, models.StatusError},
}

// MapStatus maps a gateway status value onto the status lattice.
// Values that match no rule are reported with ok=false and discarded.
func MapStatus(v gjson.Result) (models.MessageStatus, bool) {
	raw := v.String()
	if v.Type == gjson.Number {
		raw = ackNames[v.Int()]
	}
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	for _, rule := range statusRules {
		for _, sub := range rule.substrings {
			if strings.Contains(raw, sub) {
				return rule.status, true
			}
		}
	}
	return "", false
}

// Timestamp diagnostics.
const (
	DiagnosticDefaulted = "timestamp_defaulted"
	DiagnosticSuspect   = "timestamp_suspect"
)

const (
	secondsThreshold = int64(1_000_000_000_000)
	maxSkew          = 365 * 24 * time.Hour
)

// NormalizeTimestamp converts a gateway timestamp to epoch milliseconds.
// Values below 1e12 are taken as seconds. A missing or zero value becomes
// now and is flagged; values more than a year away from now are kept but
// flagged as suspect.
func NormalizeTimestamp(v gjson.Result, now time.Time) (int64, string) {
	ts := timestampValue(v)
	if ts <= 0 {
		return now.UnixMilli(), DiagnosticDefaulted
	}
	if ts < secondsThreshold {
		ts *= 1000
	}
	skew := time.Duration(ts-now.UnixMilli()) * time.Millisecond
	if skew > maxSkew || skew < -maxSkew {
		return ts, DiagnosticSuspect
	}
	return ts, ""
}

func timestampValue(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UnixMilli()
		}
	case gjson.JSON:
		// Long encoded as {low, high, unsigned}.
		if v.Get("low").Exists() {
			return v.Get("high").Int()<<32 | int64(uint32(v.Get("low").Int()))
		}
	}
	return 0
}
