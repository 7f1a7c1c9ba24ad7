package monitor

import "github.com/yourneighborhoodchef/keysweep/internal/credential"

const (
	StatusInitializing = "initializing"
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusUnavailable  = "unavailable"
)

// Report is one health snapshot of the pools.
type Report struct {
	Status         string                    `json:"status"`
	Timestamp      int64                     `json:"timestamp"`
	Credentials    map[credential.Status]int `json:"credentials"`
	ProxiesTotal   int                       `json:"proxies_total"`
	ProxiesHealthy int                       `json:"proxies_healthy"`
	ProxiesChecked int                       `json:"proxies_checked"`
	Fingerprints   int                       `json:"fingerprints_in_use"`
	RotationRound  int64                     `json:"rotation_round"`
}
