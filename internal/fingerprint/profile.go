package fingerprint

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// DefaultClientProfiles are tls-client profile identifiers cycled across the pool.
var DefaultClientProfiles = []string{
	"chrome_120",
	"chrome_124",
	"chrome_131",
	"firefox_120",
	"safari_ios_17_0",
}

// Profile is one client identity: the TLS hello to impersonate plus the
// header set a browser with that hello would send.
type Profile struct {
	ID             int     `json:"id"`
	ClientProfile  string  `json:"client_profile"`
	UserAgent      string  `json:"user_agent"`
	SecCHUA        string  `json:"sec_ch_ua,omitempty"`
	Platform       string  `json:"platform"`
	Mobile         bool    `json:"mobile"`
	Accept         string  `json:"accept"`
	AcceptLanguage string  `json:"accept_language"`
	AcceptEncoding string  `json:"accept_encoding"`
	ViewportWidth  int     `json:"viewport_width,omitempty"`
	PixelRatio     float64 `json:"pixel_ratio,omitempty"`
}

var (
	acceptOpts = []string{
		"application/json",
		"application/json, text/plain, */*",
		"*/*",
	}
	encOpts = []string{
		"gzip, deflate, br",
		"gzip, deflate, br, zstd",
	}
	langOpts = []string{
		"en-US,en;q=0.9",
		"en-US,en;q=0.8",
		"en-GB,en;q=0.9,en-US;q=0.8",
		"en-CA,en;q=0.9,en-US;q=0.8",
		"en-US,en;q=0.9,es;q=0.8",
	}

	headerOrder = []string{
		"Accept",
		"Accept-Language",
		"Accept-Encoding",
		"User-Agent",
		"Sec-CH-UA",
		"Sec-CH-UA-Mobile",
		"Sec-CH-UA-Platform",
		"Sec-CH-Viewport-Width",
		"Sec-CH-DPR",
		"Sec-Fetch-Site",
		"Sec-Fetch-Mode",
		"Sec-Fetch-Dest",
		"Content-Type",
		"Content-Length",
	}
)

func generateProfile(id int, clientProfile string, rnd *rand.Rand) Profile {
	p := Profile{
		ID:             id,
		ClientProfile:  clientProfile,
		Accept:         acceptOpts[rnd.IntN(len(acceptOpts))],
		AcceptLanguage: langOpts[rnd.IntN(len(langOpts))],
		AcceptEncoding: encOpts[rnd.IntN(len(encOpts))],
	}

	family, version := splitProfile(clientProfile)
	switch family {
	case "firefox":
		p.Platform = "Windows"
		p.UserAgent = fmt.Sprintf(
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:%s.0) Gecko/20100101 Firefox/%s.0",
			version, version,
		)
	case "safari":
		p.Platform = "iOS"
		p.Mobile = true
		maj, minor := iosVersion(version)
		p.UserAgent = fmt.Sprintf(
			"Mozilla/5.0 (iPhone; CPU iPhone OS %d_%d like Mac OS X) "+
				"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%d.%d Mobile/15E148 Safari/604.1",
			maj, minor, maj, minor,
		)
		p.ViewportWidth = rnd.IntN(40) + 375
		p.PixelRatio = []float64{2, 3}[rnd.IntN(2)]
	default:
		platforms := []string{"Windows", "macOS", "Linux"}
		p.Platform = platforms[rnd.IntN(len(platforms))]
		build := rnd.IntN(6000) + 1000
		p.UserAgent = fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.%d.0 Safari/537.36",
			platformToken(p.Platform), version, build,
		)
		p.SecCHUA = fmt.Sprintf(
			`"Not:A-Brand";v="24", "Chromium";v="%s", "Google Chrome";v="%s"`,
			version, version,
		)
		if rnd.Float64() < 0.5 {
			p.ViewportWidth = rnd.IntN(640) + 1280
			p.PixelRatio = []float64{1, 1.25, 1.5, 2}[rnd.IntN(4)]
		}
	}
	return p
}

// splitProfile turns "chrome_124" into ("chrome", "124") and
// "safari_ios_17_0" into ("safari", "17_0").
func splitProfile(name string) (string, string) {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "safari_ios_"):
		return "safari", strings.TrimPrefix(name, "safari_ios_")
	case strings.HasPrefix(name, "firefox_"):
		return "firefox", strings.TrimPrefix(name, "firefox_")
	case strings.HasPrefix(name, "chrome_"):
		v := strings.TrimPrefix(name, "chrome_")
		if i := strings.Index(v, "_"); i != -1 {
			v = v[:i]
		}
		return "chrome", v
	}
	return "chrome", "120"
}

func iosVersion(v string) (int, int) {
	parts := strings.SplitN(v, "_", 2)
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return 17, 0
	}
	minor := 0
	if len(parts) == 2 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return maj, minor
}

func platformToken(platform string) string {
	switch platform {
	case "macOS":
		return "Macintosh; Intel Mac OS X 10_15_7"
	case "Linux":
		return "X11; Linux x86_64"
	}
	return "Windows NT 10.0; Win64; x64"
}

// Headers renders the profile as an ordered header set.
func (p Profile) Headers() http.Header {
	h := http.Header{}
	h.Set("Accept", p.Accept)
	h.Set("Accept-Language", p.AcceptLanguage)
	h.Set("Accept-Encoding", p.AcceptEncoding)
	h.Set("User-Agent", p.UserAgent)

	if p.SecCHUA != "" {
		h.Set("Sec-CH-UA", p.SecCHUA)
		if p.Mobile {
			h.Set("Sec-CH-UA-Mobile", "?1")
		} else {
			h.Set("Sec-CH-UA-Mobile", "?0")
		}
		h.Set("Sec-CH-UA-Platform", `"`+p.Platform+`"`)
		if p.ViewportWidth > 0 {
			h.Set("Sec-CH-Viewport-Width", strconv.Itoa(p.ViewportWidth))
			h.Set("Sec-CH-DPR", strconv.FormatFloat(p.PixelRatio, 'f', -1, 64))
		}
	}

	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Dest", "empty")

	h[http.HeaderOrderKey] = headerOrder
	return h
}
