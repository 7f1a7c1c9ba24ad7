package client

import (
	"context"
	"fmt"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// Prober checks a proxy by fetching a URL through it.
type Prober struct {
	timeout       time.Duration
	clientProfile string
}

func NewProber(timeout time.Duration, clientProfile string) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{timeout: timeout, clientProfile: clientProfile}
}

// Probe returns the status code probeURL answered with through proxyURL.
func (p *Prober) Probe(ctx context.Context, proxyURL, probeURL string) (int, error) {
	httpClient, err := newClient(p.clientProfile, proxyURL, p.timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: build client: %v", ErrTransport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
