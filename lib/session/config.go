package session

import (
	"fmt"
	"time"

	"finclient/lib/cookiestore"
	"finclient/lib/identity"
	"finclient/lib/ratelimit"
	"finclient/lib/tokenscan"
)

// Endpoints are the provider urls the handshake talks to.
type Endpoints struct {
	// ConsentURL serves (or redirects to) the consent form.
	ConsentURL string `json:"consent_url"`
	// ConsentAcceptURL is where the consent form is posted, "{sessionId}" is
	// replaced with the session id of the form. When empty, the form is posted
	// back to the url the consent page was finally served from.
	ConsentAcceptURL string `json:"consent_accept_url"`
	// CopyConsentURL is loaded after the consent was accepted, it is
	// optional and "{sessionId}" is replaced like in ConsentAcceptURL.
	CopyConsentURL string `json:"copy_consent_url"`
	// CrumbURL hands out the crumb as its plain text body.
	CrumbURL string `json:"crumb_url"`
	// BasicCookieURL is loaded by the basic strategy to collect cookies.
	BasicCookieURL string `json:"basic_cookie_url"`
}

type CookieConfig struct {
	PrimaryDomain  string `json:"primary_domain"`
	PrimaryURL     string `json:"primary_url"`
	ExcludedDomain string `json:"excluded_domain"`
	AuthCookieName string `json:"auth_cookie_name"`
}

// IdentityConfig picks the browser identity a session starts with and the
// connection settings that go with it.
type IdentityConfig struct {
	// StartProfile is the name of the first identity used, ex. "chrome-macos".
	StartProfile string `json:"start_profile"`
	// CloudflareBypass defaults to true.
	CloudflareBypass *bool  `json:"cloudflare_bypass"`
	RequestTimeout   string `json:"request_timeout"`
}

type Config struct {
	Endpoints Endpoints      `json:"endpoints"`
	Cookies   CookieConfig   `json:"cookies"`
	Identity  IdentityConfig `json:"identity"`
	// InitialStrategy is "csrf" or "basic", it defaults to "csrf".
	InitialStrategy string `json:"initial_strategy"`
	// ConsentNamespace and OriginalDoneURL are posted along with the consent form.
	ConsentNamespace string `json:"consent_namespace"`
	OriginalDoneURL  string `json:"original_done_url"`
	// HandshakeTimeout bounds a whole handshake, it is not tied to the
	// context of whoever started it since other callers may be waiting on it.
	HandshakeTimeout string `json:"handshake_timeout"`
	// Extractor reads the consent page, "pattern" (the default) scans the
	// raw markup, "document" parses it as html.
	Extractor string `json:"extractor"`
	// RateLimitPreset is "production" or "test", it is only read by the
	// composition root that builds the limiter.
	RateLimitPreset string `json:"rate_limit_preset"`
}

func DefaultConfig() Config {
	return Config{
		Endpoints: Endpoints{
			ConsentURL:       "https://guce.yahoo.com/consent",
			ConsentAcceptURL: "https://consent.yahoo.com/v2/collectConsent?sessionId={sessionId}",
			CopyConsentURL:   "https://guce.yahoo.com/copyConsent?sessionId={sessionId}",
			CrumbURL:         "https://query1.finance.yahoo.com/v1/test/getcrumb",
			BasicCookieURL:   "https://fc.yahoo.com",
		},
		Cookies: CookieConfig{
			PrimaryDomain:  "yahoo.com",
			PrimaryURL:     "https://finance.yahoo.com/",
			ExcludedDomain: "consent.yahoo.com",
			AuthCookieName: "A3",
		},
		InitialStrategy:  "csrf",
		ConsentNamespace: "yahoo",
		OriginalDoneURL:  "https://finance.yahoo.com/",
		HandshakeTimeout: "60s",
		Extractor:        "pattern",
		RateLimitPreset:  "production",
	}
}

func (c Config) initialStrategy() (cookiestore.Strategy, error) {
	if c.InitialStrategy == "" {
		return cookiestore.StrategyCSRF, nil
	}
	strategy, ok := cookiestore.ParseStrategy(c.InitialStrategy)
	if !ok {
		return strategy, fmt.Errorf("session: unknown strategy %q", c.InitialStrategy)
	}
	return strategy, nil
}

func (c Config) handshakeTimeout() (time.Duration, error) {
	if c.HandshakeTimeout == "" {
		return time.Minute, nil
	}
	timeout, err := time.ParseDuration(c.HandshakeTimeout)
	if err != nil {
		return 0, fmt.Errorf("session: invalid handshake timeout: %w", err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("session: handshake timeout must be positive")
	}
	return timeout, nil
}

func (c Config) extractor() (tokenscan.Extractor, error) {
	switch c.Extractor {
	case "", "pattern":
		return tokenscan.NewPatternExtractor(), nil
	case "document":
		return tokenscan.NewDocumentExtractor(), nil
	}
	return nil, fmt.Errorf("session: unknown extractor %q", c.Extractor)
}

// RateLimit resolves RateLimitPreset.
func (c Config) RateLimit() (ratelimit.Config, error) {
	config, ok := ratelimit.Preset(c.RateLimitPreset)
	if !ok {
		return config, fmt.Errorf("session: unknown rate limit preset %q", c.RateLimitPreset)
	}
	return config, nil
}

func (c Config) identityProvider() (*identity.Provider, error) {
	transport := identity.DefaultTransportConfig()
	if c.Identity.CloudflareBypass != nil {
		transport.CloudflareBypass = *c.Identity.CloudflareBypass
	}
	if c.Identity.RequestTimeout != "" {
		timeout, err := time.ParseDuration(c.Identity.RequestTimeout)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("session: invalid request timeout %q", c.Identity.RequestTimeout)
		}
		transport.Timeout = timeout
	}

	profiles := identity.DefaultProfiles()
	start := 0
	if c.Identity.StartProfile != "" {
		start = -1
		for i, profile := range profiles {
			if profile.Name == c.Identity.StartProfile {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("session: unknown identity %q", c.Identity.StartProfile)
		}
	}

	return identity.NewProvider(identity.ProviderOptions{
		Profiles:  profiles,
		Start:     start,
		Transport: &transport,
	}), nil
}

func (c Config) validate() error {
	if c.Endpoints.ConsentURL == "" || c.Endpoints.CrumbURL == "" || c.Endpoints.BasicCookieURL == "" {
		return fmt.Errorf("session: endpoint urls are missing")
	}
	if c.Cookies.PrimaryDomain == "" {
		return fmt.Errorf("session: primary cookie domain is required")
	}
	_, err := c.initialStrategy()
	if err != nil {
		return err
	}
	_, err = c.handshakeTimeout()
	if err != nil {
		return err
	}
	_, err = c.extractor()
	if err != nil {
		return err
	}
	_, err = c.identityProvider()
	return err
}
