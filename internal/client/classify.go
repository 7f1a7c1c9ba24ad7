package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
)

var dailyQuotaMarkers = []string{
	"per day",
	"per_day",
	"perday",
	"daily",
	"requests per day",
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Classify turns an upstream response into an outcome. A 429 whose body
// names a daily quota is QuotaExhausted; any other 429 is RateLimited. Other
// non-2xx responses become Error with the upstream message, which the
// credential pool escalates when it points at a bad key.
func Classify(status int, body []byte) dispatch.Outcome {
	switch {
	case status >= 200 && status < 300:
		return dispatch.Success()
	case status == 429:
		if isDailyQuota(body) {
			return dispatch.QuotaExhausted()
		}
		return dispatch.RateLimited()
	default:
		return dispatch.Error(errorMessage(status, body))
	}
}

func isDailyQuota(body []byte) bool {
	b := strings.ToLower(string(body))
	for _, marker := range dailyQuotaMarkers {
		if strings.Contains(b, marker) {
			return true
		}
	}
	return false
}

func errorMessage(status int, body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, e.Error.Message)
	}

	sample := strings.TrimSpace(string(body))
	if len(sample) > 200 {
		sample = sample[:200] + "..."
	}
	if sample == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	return fmt.Sprintf("HTTP %d: %s", status, sample)
}
