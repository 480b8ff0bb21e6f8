package keys

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Upstream headers advertising when the rate-limit windows reopen.
const (
	HeaderResetRequests = "x-ratelimit-reset-requests"
	HeaderResetTokens   = "x-ratelimit-reset-tokens"
)

var resetPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)(ms|s|m|h)`)

// ParseResetWindow parses reset strings such as "20ms", "6.5s" or "1m30s".
// It reports false when nothing in raw looks like a duration.
func ParseResetWindow(raw string) (time.Duration, bool) {
	matches := resetPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var ms float64
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		switch m[2] {
		case "ms":
			ms += v
		case "s":
			ms += v * 1000
		case "m":
			ms += v * 60_000
		case "h":
			ms += v * 3_600_000
		}
	}
	// Saturate rather than overflow; callers clamp to their own ceiling.
	if ms >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// ResetHeaders extracts the raw reset strings from an upstream response.
func ResetHeaders(h http.Header) (requests, tokens string) {
	return h.Get(HeaderResetRequests), h.Get(HeaderResetTokens)
}

func clampWindow(d, limit time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
