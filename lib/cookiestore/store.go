package cookiestore

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"finclient/internal/components/assert"
	"finclient/internal/components/chrono"
	"finclient/internal/components/telemetry"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	report_store_cleanup = "store.cleanup-expired"
	report_store_cache   = "store.cache"
)

// CachedCookie is a cookie remembered for a specific strategy.
type CachedCookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	Expires  time.Time
	Strategy Strategy
	CachedAt time.Time
}

// Cookie turns the cached cookie back into something that can be sent or stored.
func (c CachedCookie) Cookie() *http.Cookie {
	return &http.Cookie{
		Name:    c.Name,
		Value:   c.Value,
		Domain:  c.Domain,
		Path:    c.Path,
		Secure:  c.Secure,
		Expires: c.Expires,
	}
}

type cacheKey struct {
	strategy Strategy
	domain   string
	name     string
}

// Status is a snapshot of the cookie situation of a session.
type Status struct {
	HasValidAuthCookie bool
	DomainCookieCount  int
	ValidCookieCount   int
	CachedCookieCount  int
}

type Options struct {
	// PrimaryDomain is the registrable domain data is requested from, ex. "yahoo.com".
	PrimaryDomain string
	// PrimaryURL is where the primary auth cookie is stored, it defaults to
	// https://<PrimaryDomain>/.
	PrimaryURL string
	// ExcludedDomain is a sub-domain of PrimaryDomain whose cookies are not
	// relevant for data requests, ex. "consent.yahoo.com".
	ExcludedDomain string
	// AuthCookieName defaults to "A3".
	AuthCookieName string
	// CacheSize defaults to 256.
	CacheSize int
}

// Store answers questions about the cookies of a session. The jar is shared
// and may be changed by anyone, so nothing here keeps a copy of it.
type Store struct {
	jar     *Jar
	clock   chrono.TimeAPI
	tel     telemetry.API
	options Options
	primary *url.URL
	cache   *expirable.LRU[cacheKey, CachedCookie]
}

func NewStore(jar *Jar, clock chrono.TimeAPI, tel telemetry.API, opts Options) (*Store, error) {
	assert.NotNil(jar, "jar")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")
	assert.NotEmptyStr(opts.PrimaryDomain, "primary domain")

	if opts.AuthCookieName == "" {
		opts.AuthCookieName = "A3"
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.PrimaryURL == "" {
		opts.PrimaryURL = "https://" + opts.PrimaryDomain + "/"
	}
	primary, err := url.Parse(opts.PrimaryURL)
	if err != nil {
		return nil, err
	}

	return &Store{
		jar:     jar,
		clock:   clock,
		tel:     telemetry.NewScopedAPI("cookiestore", tel),
		options: opts,
		primary: primary,
		// entries leave the cache through ClearCache or size pressure, never by age
		cache: expirable.NewLRU[cacheKey, CachedCookie](opts.CacheSize, nil, 0),
	}, nil
}

func (s *Store) Jar() *Jar {
	return s.jar
}

func (s *Store) Options() Options {
	return s.options
}

// Validate reports whether a cookie has not expired yet. A cookie without an
// expiry is a session cookie and stays valid, an empty value is fine too.
func (s *Store) Validate(c *http.Cookie) bool {
	return validAt(c, s.clock.Now())
}

func validAt(c *http.Cookie, now time.Time) bool {
	if c == nil || c.MaxAge < 0 {
		return false
	}
	if !c.Expires.IsZero() && !c.Expires.After(now) {
		return false
	}
	return true
}

// ExtractDomainCookies returns the cookies in the jar whose domain contains
// `domain`, ex. "yahoo" matches both yahoo.com and consent.yahoo.com.
func (s *Store) ExtractDomainCookies(domain string) []*http.Cookie {
	domain = strings.ToLower(domain)
	var out []*http.Cookie
	for _, c := range s.jar.All() {
		if strings.Contains(strings.TrimPrefix(strings.ToLower(c.Domain), "."), domain) {
			out = append(out, c)
		}
	}
	return out
}

// FilterRelevantCookies keeps the cookies of the primary domain that do not
// belong to the excluded sub-domain.
func (s *Store) FilterRelevantCookies(cookies []*http.Cookie) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range cookies {
		if c == nil || !DomainMatches(s.options.PrimaryDomain, c.Domain) {
			continue
		}
		if s.options.ExcludedDomain != "" && DomainMatches(s.options.ExcludedDomain, c.Domain) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Cache remembers the valid cookies among `cookies` for `strategy`, a cookie
// with the same domain and name replaces the previous one.
func (s *Store) Cache(strategy Strategy, cookies ...*http.Cookie) int {
	now := s.clock.Now()
	cached := 0
	for _, c := range cookies {
		if !validAt(c, now) {
			continue
		}
		domain := c.Domain
		if domain == "" {
			domain = s.primary.Hostname()
		}
		s.cache.Add(cacheKey{strategy: strategy, domain: domain, name: c.Name}, CachedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     c.Path,
			Secure:   c.Secure,
			Expires:  c.Expires,
			Strategy: strategy,
			CachedAt: now,
		})
		cached++
	}
	s.tel.ReportDebug(report_store_cache, strategy.String(), cached)
	return cached
}

// CachedCookies returns the unexpired cookies cached for `strategy`.
func (s *Store) CachedCookies(strategy Strategy) []CachedCookie {
	now := s.clock.Now()
	var out []CachedCookie
	for _, key := range s.cache.Keys() {
		if key.strategy != strategy {
			continue
		}
		c, ok := s.cache.Peek(key)
		if !ok || !validAt(c.Cookie(), now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		return out[a].Name < out[b].Name
	})
	return out
}

func (s *Store) CachedCookie(strategy Strategy, domain, name string) (CachedCookie, bool) {
	c, ok := s.cache.Get(cacheKey{strategy: strategy, domain: domain, name: name})
	if !ok || !s.Validate(c.Cookie()) {
		return CachedCookie{}, false
	}
	return c, true
}

// ClearCache forgets the cookies cached for the given strategies, or for
// every strategy when none are given.
func (s *Store) ClearCache(strategies ...Strategy) {
	if len(strategies) == 0 {
		s.cache.Purge()
		return
	}
	for _, key := range s.cache.Keys() {
		for _, strategy := range strategies {
			if key.strategy == strategy {
				s.cache.Remove(key)
				break
			}
		}
	}
}

// MissingCookies returns the cookies cached for `strategy` that apply to `u`
// but that the jar would not send by itself.
func (s *Store) MissingCookies(strategy Strategy, u *url.URL) []*http.Cookie {
	present := map[string]bool{}
	for _, c := range s.jar.Cookies(u) {
		present[c.Name] = true
	}

	var out []*http.Cookie
	for _, c := range s.CachedCookies(strategy) {
		if present[c.Name] || !DomainMatches(c.Domain, u.Hostname()) {
			continue
		}
		present[c.Name] = true
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// SetPrimaryAuthCookie stores the auth cookie in the jar and caches it under
// the csrf strategy, the only one that produces a consented auth cookie.
func (s *Store) SetPrimaryAuthCookie(c *http.Cookie) {
	if c == nil {
		return
	}
	stored := *c
	stored.Name = s.options.AuthCookieName
	if stored.Domain == "" {
		stored.Domain = s.options.PrimaryDomain
	}
	if stored.Path == "" {
		stored.Path = "/"
	}
	s.jar.SetCookies(s.primary, []*http.Cookie{&stored})
	s.Cache(StrategyCSRF, &stored)
}

// PrimaryAuthCookie returns the auth cookie of the primary domain if there is a valid one.
func (s *Store) PrimaryAuthCookie() (*http.Cookie, bool) {
	now := s.clock.Now()
	for _, c := range s.FilterRelevantCookies(s.ExtractDomainCookies(s.options.PrimaryDomain)) {
		if c.Name == s.options.AuthCookieName && validAt(c, now) {
			return c, true
		}
	}
	return nil, false
}

func (s *Store) HasValidPrimaryAuthCookie() bool {
	_, ok := s.PrimaryAuthCookie()
	return ok
}

// CleanupExpired removes the expired cookies of the primary domain from the
// jar and returns how many were removed. Cookies of other domains belong to
// whoever else shares the jar and are left alone. Expired cache entries are
// dropped too but not counted.
func (s *Store) CleanupExpired() int {
	now := s.clock.Now()
	removed := 0
	for _, c := range s.ExtractDomainCookies(s.options.PrimaryDomain) {
		if validAt(c, now) {
			continue
		}
		if s.jar.Remove(c) {
			removed++
		}
	}
	for _, key := range s.cache.Keys() {
		c, ok := s.cache.Peek(key)
		if ok && !validAt(c.Cookie(), now) {
			s.cache.Remove(key)
		}
	}
	if removed > 0 {
		s.tel.ReportDebug(report_store_cleanup, removed)
	}
	return removed
}

func (s *Store) Status() Status {
	now := s.clock.Now()
	domainCookies := s.ExtractDomainCookies(s.options.PrimaryDomain)

	valid := 0
	for _, c := range domainCookies {
		if validAt(c, now) {
			valid++
		}
	}
	cached := 0
	for _, key := range s.cache.Keys() {
		c, ok := s.cache.Peek(key)
		if ok && validAt(c.Cookie(), now) {
			cached++
		}
	}

	return Status{
		HasValidAuthCookie: s.HasValidPrimaryAuthCookie(),
		DomainCookieCount:  len(domainCookies),
		ValidCookieCount:   valid,
		CachedCookieCount:  cached,
	}
}
