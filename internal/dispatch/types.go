package dispatch

import (
	"errors"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/fingerprint"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
	"github.com/yourneighborhoodchef/keysweep/internal/ratelimit"
)

var (
	// ErrAllRateLimited means every attempt of a Do call came back 429.
	ErrAllRateLimited = errors.New("all keys rate-limited")
	// ErrAttemptsExhausted means a Do call ran out of attempts on mixed failures.
	ErrAttemptsExhausted = errors.New("dispatch attempts exhausted")
)

type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRateLimited      OutcomeKind = "rate_limited"
	OutcomeQuotaExhausted   OutcomeKind = "quota_exhausted"
	OutcomeError            OutcomeKind = "error"
	OutcomeTransportFailure OutcomeKind = "transport_failure"
)

// Outcome is what a call through a dispatch context came back with.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

func Success() Outcome        { return Outcome{Kind: OutcomeSuccess} }
func RateLimited() Outcome    { return Outcome{Kind: OutcomeRateLimited} }
func QuotaExhausted() Outcome { return Outcome{Kind: OutcomeQuotaExhausted} }

func Error(message string) Outcome {
	return Outcome{Kind: OutcomeError, Message: message}
}

func TransportFailure(message string) Outcome {
	return Outcome{Kind: OutcomeTransportFailure, Message: message}
}

func (o Outcome) Failed() bool {
	return o.Kind != OutcomeSuccess
}

func (o Outcome) String() string {
	if o.Message == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Message
}

// Context is everything one outbound call needs: the credential, the proxy to
// route through (nil for a direct connection) and the fingerprint to present.
type Context struct {
	RequestID     string              `json:"request_id"`
	CredentialKey string              `json:"credential_key"`
	AccountID     string              `json:"account_id"`
	SecretKey     string              `json:"-"`
	Proxy         *proxy.Proxy        `json:"proxy,omitempty"`
	Fingerprint   fingerprint.Profile `json:"fingerprint"`
	Attempt       int                 `json:"attempt"`

	leave func(ran bool)
}

// done ends dc's scheduler turn and starts the credential's cooldown.
func (dc *Context) done() {
	if dc.leave != nil {
		dc.leave(true)
		dc.leave = nil
	}
}

type FingerprintStats struct {
	Size  int `json:"size"`
	InUse int `json:"in_use"`
}

type Stats struct {
	credential.PoolStats
	Proxies      proxy.Stats      `json:"proxies"`
	Fingerprints FingerprintStats `json:"fingerprints"`
	Bound        int              `json:"bound"`
	Throttle     ratelimit.Stats  `json:"throttle"`
}
