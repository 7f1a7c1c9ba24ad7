package credential

import (
	"strings"
	"time"
)

// IsAvailable reports whether p can be dispatched at now, counting a
// rate-limit cooldown or daily exhaustion that has already run out as
// available. It does not modify p.
func IsAvailable(p *Project, now time.Time) bool {
	switch p.Status {
	case StatusAvailable:
		return true
	case StatusRateLimited:
		return p.Limits.RateLimitResetAt == nil || !now.Before(*p.Limits.RateLimitResetAt)
	case StatusExhausted:
		return p.Limits.DailyLimitResetAt == nil || !now.Before(*p.Limits.DailyLimitResetAt)
	}
	return false
}

// recoverProject performs the transition IsAvailable predicts. It returns
// true when the status changed.
func recoverProject(p *Project, now time.Time) bool {
	if p.Status == StatusAvailable || !IsAvailable(p, now) {
		return false
	}
	switch p.Status {
	case StatusRateLimited:
		p.Limits.RateLimitResetAt = nil
	case StatusExhausted:
		p.Limits.DailyLimitResetAt = nil
	}
	p.Status = StatusAvailable
	return true
}

// nextMidnight is the start of the day after now, in now's location.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func dateKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// isInvalidCredential matches error messages from a revoked or malformed key.
// Anything else is treated as transient.
func isInvalidCredential(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "invalid") || strings.Contains(m, "api key")
}
