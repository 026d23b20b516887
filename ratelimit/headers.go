package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ResetEncoding tells ParseHeaders how the reset header value is written.
type ResetEncoding int

const (
	// ResetUnixSeconds is an absolute time in seconds since the epoch (Helix).
	ResetUnixSeconds ResetEncoding = iota
	// ResetUnixMillis is an absolute time in milliseconds since the epoch.
	ResetUnixMillis
	// ResetISO8601 is an absolute RFC 3339 timestamp.
	ResetISO8601
	// ResetTicks is a time-until-reset counted in 100ns ticks.
	ResetTicks
)

func (e ResetEncoding) String() string {
	switch e {
	case ResetUnixSeconds:
		return "seconds"
	case ResetUnixMillis:
		return "milliseconds"
	case ResetISO8601:
		return "iso8601"
	case ResetTicks:
		return "ticks"
	default:
		return fmt.Sprintf("ResetEncoding(%d)", int(e))
	}
}

// ParseResetEncoding maps a config value to a ResetEncoding. Empty means seconds.
func ParseResetEncoding(s string) (ResetEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "seconds", "epoch", "unix":
		return ResetUnixSeconds, nil
	case "milliseconds", "millis", "ms":
		return ResetUnixMillis, nil
	case "iso8601", "rfc3339":
		return ResetISO8601, nil
	case "ticks":
		return ResetTicks, nil
	}
	return 0, fmt.Errorf("unknown rate limit reset encoding %q", s)
}

// HeaderNames names the response headers carrying the server quota.
type HeaderNames struct {
	Limit         string
	Remaining     string
	Reset         string
	ResetEncoding ResetEncoding
}

// DefaultHeaderNames matches what Helix sends.
var DefaultHeaderNames = HeaderNames{
	Limit:         "Ratelimit-Limit",
	Remaining:     "Ratelimit-Remaining",
	Reset:         "Ratelimit-Reset",
	ResetEncoding: ResetUnixSeconds,
}

// ParseHeaders folds the server-reported quota into the bucket. Missing or malformed
// values are skipped; a bad header never fails the request that carried it.
// Capacity is applied first so remaining is clamped against the new size.
func (b *Bucket) ParseHeaders(h http.Header, names HeaderNames) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if v, ok := headerInt(h, names.Limit); ok {
		b.setCapacity(v, now)
	}
	if v, ok := headerInt(h, names.Remaining); ok {
		b.setRemaining(v, now)
	}
	if names.Reset != "" {
		if t, ok := parseReset(h.Get(names.Reset), names.ResetEncoding, now); ok {
			b.setNextReset(t, now)
		}
	}
}

func headerInt(h http.Header, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseReset(v string, enc ResetEncoding, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	switch enc {
	case ResetISO8601:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case ResetUnixSeconds:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(n, 0), true
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(f * 1000)), true
	case ResetUnixMillis:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n), true
	case ResetTicks:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(n) * 100 * time.Nanosecond), true
	}
	return time.Time{}, false
}
