package client

import (
	"errors"
	"time"

	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
)

// ErrTransport wraps failures that never produced an HTTP response.
var ErrTransport = errors.New("transport failure")

const DefaultTimeout = 60 * time.Second

// clientProfile resolves a tls-client profile id, falling back to Chrome 120.
func clientProfile(id string) profiles.ClientProfile {
	if p, ok := profiles.MappedTLSClients[id]; ok {
		return p
	}
	return profiles.Chrome_120
}

// New builds an HTTP client that presents dc's fingerprint and routes through
// dc's proxy, or directly when it has none.
func New(dc *dispatch.Context, timeout time.Duration) (tls_client.HttpClient, error) {
	proxyURL := ""
	if dc.Proxy != nil {
		proxyURL = dc.Proxy.URL()
	}
	return newClient(dc.Fingerprint.ClientProfile, proxyURL, timeout)
}

func newClient(profileID, proxyURL string, timeout time.Duration) (tls_client.HttpClient, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(timeout.Seconds())),
		tls_client.WithClientProfile(clientProfile(profileID)),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
}
