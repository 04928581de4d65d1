package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"themeline/internal/logging"
)

// DefaultRetryAfter is the conservative wait applied when a provider's
// rate-limit response carries no parseable retry-after hint.
const DefaultRetryAfter = 300 * time.Second

// Usage is the quota triple some providers include in rate-limit responses.
type Usage struct {
	Limit     int64
	Used      int64
	Requested int64
}

// PercentUsed returns used/limit as a percentage, or 0 when unknown.
func (u Usage) PercentUsed() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit) * 100
}

// RateLimitError indicates a provider rejected a call for quota reasons.
// It carries enough data to drive backoff and user-facing messaging.
// Callers detect it with errors.As.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Usage      *Usage
	Raw        string
}

// Error renders a user-displayable message with a retry estimate.
func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s rate limit exceeded, try again in ~%s", e.Provider, humanDuration(e.RetryAfter))
	if e.Usage != nil && e.Usage.Limit > 0 {
		msg += fmt.Sprintf(" (quota: %d/%d used, %d requested)", e.Usage.Used, e.Usage.Limit, e.Usage.Requested)
	}
	return msg
}

// RetryAfterSeconds returns the retry-after delay in whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	return int(e.RetryAfter / time.Second)
}

func humanDuration(d time.Duration) string {
	if d >= time.Minute {
		return fmt.Sprintf("%d minutes", int((d+time.Minute-1)/time.Minute))
	}
	return fmt.Sprintf("%d seconds", int(d/time.Second))
}

// Provider error text varies wildly; each pattern captures a duration in its
// first (value) and optional second (unit) group.
var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry[- ]?after[:\s]+"?(\d+(?:\.\d+)?)\s*(s|sec|secs|seconds|m|min|mins|minutes)?`),
	regexp.MustCompile(`(?i)retry\s+in\s+(\d+(?:\.\d+)?)\s*(s|sec|secs|seconds|m|min|mins|minutes)?`),
	regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+(?:\.\d+)?)\s*(s|sec|secs|seconds|m|min|mins|minutes)?`),
	regexp.MustCompile(`(?i)retry[_ ]?delay"?\s*[:=]\s*"?(\d+(?:\.\d+)?)\s*(s|sec|secs|seconds|m|min|mins|minutes)?`),
	regexp.MustCompile(`(?i)please\s+wait\s+(\d+(?:\.\d+)?)\s*(s|sec|secs|seconds|m|min|mins|minutes)?`),
}

var usagePattern = regexp.MustCompile(`(?i)limit[:\s]+(\d+)\D+used[:\s]+(\d+)\D+requested[:\s]+(\d+)`)

// ParseRateLimit builds a RateLimitError from raw provider error text. It
// tolerates every phrasing we have seen in the wild and never fails: when no
// retry-after is recognizable it falls back to DefaultRetryAfter and logs the
// parse miss instead of guessing.
func ParseRateLimit(provider, raw string) *RateLimitError {
	rle := &RateLimitError{
		Provider:   provider,
		RetryAfter: DefaultRetryAfter,
		Raw:        raw,
	}

	if d, ok := parseRetryAfter(raw); ok {
		rle.RetryAfter = d
	} else {
		logging.L(logging.CategoryGateway).Warnw("no retry-after in rate limit response, using conservative default",
			"provider", provider,
			"default", DefaultRetryAfter,
			"raw", truncate(raw, 200))
	}

	if m := usagePattern.FindStringSubmatch(raw); m != nil {
		limit, err1 := strconv.ParseInt(m[1], 10, 64)
		used, err2 := strconv.ParseInt(m[2], 10, 64)
		requested, err3 := strconv.ParseInt(m[3], 10, 64)
		if err1 == nil && err2 == nil && err3 == nil {
			rle.Usage = &Usage{Limit: limit, Used: used, Requested: requested}
		}
	}

	return rle
}

func parseRetryAfter(raw string) (time.Duration, bool) {
	for _, pat := range retryAfterPatterns {
		m := pat.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil || value < 0 {
			continue
		}
		unit := time.Second
		if len(m) > 2 {
			switch strings.ToLower(m[2]) {
			case "m", "min", "mins", "minutes":
				unit = time.Minute
			}
		}
		return time.Duration(value * float64(unit)), true
	}
	return 0, false
}

// isRateLimitText checks whether an untyped provider error looks like a
// rate-limit response.
func isRateLimitText(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "429")
}

// isTransientText checks whether an error looks like a recoverable provider
// hiccup (timeout, 5xx, dropped connection). These retry on the same backoff
// path as rate limits but without rate-limit messaging.
func isTransientText(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, marker := range []string{
		"timeout", "timed out", "deadline exceeded",
		"500", "502", "503", "504",
		"internal server error", "service unavailable", "overloaded",
		"connection reset", "connection refused", "unexpected eof", "broken pipe",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
