package identity

import (
	"sync"
	"time"
)

const (
	acceptDocument = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	acceptEncoding = "gzip, deflate, br, zstd"
)

// TransportConfig are the connection level settings that go along with an identity.
type TransportConfig struct {
	KeepAlive           bool
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	// Timeout bounds a whole request, including reading the body.
	Timeout time.Duration
	// AcceptAllCookies means every Set-Cookie is stored, there is no cookie policy.
	AcceptAllCookies bool
	// CloudflareBypass shapes the TLS hello and fills in missing browser headers.
	CloudflareBypass bool
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		KeepAlive:           true,
		MaxConnsPerHost:     4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     time.Second * 90,
		TLSHandshakeTimeout: time.Second * 10,
		Timeout:             time.Second * 30,
		AcceptAllCookies:    true,
		CloudflareBypass:    true,
	}
}

// Provider hands out the headers of the identity currently in use and lets
// callers move to the next one in its pool.
type Provider struct {
	mutex     sync.Mutex
	profiles  []Profile
	current   int
	transport TransportConfig
}

type ProviderOptions struct {
	// Profiles defaults to DefaultProfiles().
	Profiles []Profile
	// Start is the index of the first identity used, it wraps around the pool.
	Start     int
	Transport *TransportConfig
}

func NewProvider(opts ProviderOptions) *Provider {
	profiles := opts.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	transport := DefaultTransportConfig()
	if opts.Transport != nil {
		transport = *opts.Transport
	}

	start := opts.Start % len(profiles)
	if start < 0 {
		start += len(profiles)
	}
	return &Provider{
		profiles:  append([]Profile(nil), profiles...),
		current:   start,
		transport: transport,
	}
}

func (p *Provider) Current() Profile {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.profiles[p.current]
}

// Rotate switches to the next identity of the pool and returns it.
func (p *Provider) Rotate() Profile {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current = (p.current + 1) % len(p.profiles)
	return p.profiles[p.current]
}

func (p *Provider) Headers() map[string]string {
	profile := p.Current()
	return map[string]string{
		"User-Agent":         profile.UserAgent(),
		"sec-ch-ua":          profile.SecChUa(),
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": profile.SecChUaPlatform(),
		"Accept":             acceptDocument,
		"Accept-Language":    profile.acceptLanguage(),
		"Accept-Encoding":    acceptEncoding,
		"Connection":         "keep-alive",
	}
}

// NavigationHeaders are Headers plus what Chrome sends when the user opens a
// page from the address bar.
func (p *Provider) NavigationHeaders() map[string]string {
	headers := p.Headers()
	headers["Sec-Fetch-Dest"] = "document"
	headers["Sec-Fetch-Mode"] = "navigate"
	headers["Sec-Fetch-Site"] = "none"
	headers["Sec-Fetch-User"] = "?1"
	headers["Upgrade-Insecure-Requests"] = "1"
	return headers
}

// FormSubmitHeaders are NavigationHeaders for a form posted from a page of
// `origin` back to the same site.
func (p *Provider) FormSubmitHeaders(origin string) map[string]string {
	headers := p.NavigationHeaders()
	headers["Sec-Fetch-Site"] = "same-origin"
	headers["Cache-Control"] = "max-age=0"
	if origin != "" {
		headers["Origin"] = origin
	}
	return headers
}

func (p *Provider) TransportConfig() TransportConfig {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.transport
}
