package cookiestore

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"finclient/internal/components/chrono"

	"golang.org/x/net/publicsuffix"
)

type entryKey struct {
	domain string
	path   string
	name   string
}

type entry struct {
	cookie   http.Cookie
	hostOnly bool
}

// Jar is an http.CookieJar whose contents can be listed. Matching cookies to
// outgoing requests is delegated to net/http/cookiejar, Jar keeps a copy of
// every stored cookie with its absolute expiry next to it.
type Jar struct {
	inner *cookiejar.Jar
	clock chrono.TimeAPI

	mutex   sync.RWMutex
	entries map[entryKey]entry
}

func NewJar(clock chrono.TimeAPI) (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &Jar{
		inner:   inner,
		clock:   clock,
		entries: map[entryKey]entry{},
	}, nil
}

func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

func defaultPath(path string) string {
	if path == "" || path[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(path, "/")
	if i == 0 {
		return "/"
	}
	return path[:i]
}

// DomainMatches reports whether a cookie stored for `cookieDomain` is
// visible to `host`.
func DomainMatches(cookieDomain, host string) bool {
	cookieDomain = strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	host = strings.ToLower(host)
	return host == cookieDomain || strings.HasSuffix(host, "."+cookieDomain)
}

// resolveDomain mirrors the domain checks of net/http/cookiejar, so the
// index never holds a cookie the inner jar rejected.
func resolveDomain(host string, c *http.Cookie) (string, bool, bool) {
	if c.Domain == "" {
		return host, true, true
	}
	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if domain == host {
		return domain, false, true
	}
	if !DomainMatches(domain, host) {
		return "", false, false
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	if suffix == domain {
		return "", false, false
	}
	return domain, false, true
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	now := j.clock.Now()
	host := canonicalHost(u)

	j.mutex.Lock()
	defer j.mutex.Unlock()

	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		domain, hostOnly, ok := resolveDomain(host, c)
		if !ok {
			continue
		}
		path := c.Path
		if path == "" || path[0] != '/' {
			path = defaultPath(u.Path)
		}
		key := entryKey{domain: domain, path: path, name: c.Name}

		if c.MaxAge < 0 || (c.MaxAge == 0 && !c.Expires.IsZero() && !c.Expires.After(now)) {
			delete(j.entries, key)
			continue
		}

		stored := *c
		stored.Domain = domain
		stored.Path = path
		stored.Raw = ""
		stored.Unparsed = nil
		if c.MaxAge > 0 {
			stored.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
			stored.MaxAge = 0
		}
		j.entries[key] = entry{cookie: stored, hostOnly: hostOnly}
	}
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// All returns a copy of every cookie in the jar, including expired ones
// that have not been removed yet, ordered by domain, path then name.
func (j *Jar) All() []*http.Cookie {
	j.mutex.RLock()
	out := make([]*http.Cookie, 0, len(j.entries))
	for _, e := range j.entries {
		c := e.cookie
		out = append(out, &c)
	}
	j.mutex.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// Len is the number of cookies in the jar.
func (j *Jar) Len() int {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return len(j.entries)
}

// Remove deletes the cookie with the same domain, path and name as `c`.
func (j *Jar) Remove(c *http.Cookie) bool {
	key := entryKey{
		domain: strings.TrimPrefix(strings.ToLower(c.Domain), "."),
		path:   c.Path,
		name:   c.Name,
	}

	j.mutex.Lock()
	e, ok := j.entries[key]
	if ok {
		delete(j.entries, key)
	}
	j.mutex.Unlock()
	if !ok {
		return false
	}

	scheme := "http"
	if e.cookie.Secure {
		scheme = "https"
	}
	tombstone := &http.Cookie{
		Name:   e.cookie.Name,
		Path:   e.cookie.Path,
		MaxAge: -1,
	}
	if !e.hostOnly {
		tombstone.Domain = e.cookie.Domain
	}
	j.inner.SetCookies(&url.URL{Scheme: scheme, Host: e.cookie.Domain, Path: e.cookie.Path}, []*http.Cookie{tombstone})
	return true
}
