package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/mazen160/go-random"
)

const (
	PathConsent        = "/consent"
	PathCollectConsent = "/v2/collectConsent"
	PathCopyConsent    = "/copyConsent"
	PathBasicCookie    = "/fc"
	PathCrumb          = "/v1/test/getcrumb"
	PathQuote          = "/v7/finance/quote"

	AuthCookieName = "A3"
)

// Behavior are the knobs of a Provider, the zero value is a provider that
// accepts everything.
type Behavior struct {
	// MissingTokens serves a consent page without csrfToken and sessionId.
	MissingTokens bool
	// ConsentStatus overrides the status of the consent page.
	ConsentStatus int
	// ConsentDelay is how long the consent page takes to load.
	ConsentDelay time.Duration
	// CrumbStatus overrides the status of the crumb endpoint.
	CrumbStatus int
	// CrumbDelay is how long the crumb endpoint takes to answer.
	CrumbDelay time.Duration
	// DataStatus overrides the status of the data endpoint.
	DataStatus int
	// RejectCSRF and RejectBasic refuse data requests authenticated by a
	// cookie of that strategy with a 401.
	RejectCSRF  bool
	RejectBasic bool
	// AlwaysUnauthorized refuses every data request.
	AlwaysUnauthorized bool
}

// Provider is a fake of the financial data provider, with the consent flow,
// the crumb endpoint and one data endpoint.
type Provider struct {
	Server *httptest.Server

	mutex    sync.Mutex
	behavior Behavior
	counts   map[string]int
	// csrf token issued per consent session id
	csrfTokens map[string]string
	// crumb issued per auth cookie value
	crumbs map[string]string
	// crumb parameters of every data request
	crumbParams [][]string
}

func NewProvider() *Provider {
	p := &Provider{
		counts:     map[string]int{},
		csrfTokens: map[string]string{},
		crumbs:     map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(PathConsent, p.handleConsent)
	mux.HandleFunc(PathCollectConsent, p.handleCollectConsent)
	mux.HandleFunc(PathCopyConsent, p.handleCopyConsent)
	mux.HandleFunc(PathBasicCookie, p.handleBasicCookie)
	mux.HandleFunc(PathCrumb, p.handleCrumb)
	mux.HandleFunc(PathQuote, p.handleQuote)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.count(r)
		w.Write([]byte("<html><body>home</body></html>"))
	})
	p.Server = httptest.NewServer(mux)
	return p
}

func (p *Provider) Close() {
	p.Server.Close()
}

func (p *Provider) URL(path string) string {
	return p.Server.URL + path
}

// Host is the host cookies of the provider are stored for.
func (p *Provider) Host() string {
	return "127.0.0.1"
}

func (p *Provider) Set(change func(b *Behavior)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	change(&p.behavior)
}

func (p *Provider) current() Behavior {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.behavior
}

// Count is how many requests were made with `method` to `path`.
func (p *Provider) Count(method, path string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.counts[method+" "+path]
}

// CrumbParams returns the crumb query parameters of every data request.
func (p *Provider) CrumbParams() [][]string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([][]string, len(p.crumbParams))
	copy(out, p.crumbParams)
	return out
}

func (p *Provider) count(r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.counts[r.Method+" "+r.URL.Path]++
}

func mustRandom(n int) string {
	value, err := random.String(n)
	if err != nil {
		panic(err)
	}
	return value
}

func (p *Provider) handleConsent(w http.ResponseWriter, r *http.Request) {
	p.count(r)
	sessionId := "3_cc-session_" + mustRandom(12)
	http.Redirect(w, r, PathCollectConsent+"?sessionId="+sessionId, http.StatusFound)
}

const consentPage = `<!DOCTYPE html>
<html><head><title>Before you continue</title></head>
<body>
<form class="consent-form" method="post" action="%[1]s?sessionId=%[2]s">
  <input type="hidden" name="csrfToken" value="%[3]s">
  <input type="hidden" name="sessionId" value="%[2]s">
  <input type="hidden" name="originalDoneUrl" value="/">
  <button type="submit" name="agree" value="agree">Accept all</button>
</form>
</body></html>`

func (p *Provider) handleCollectConsent(w http.ResponseWriter, r *http.Request) {
	p.count(r)
	behavior := p.current()

	if r.Method == http.MethodPost {
		p.acceptConsent(w, r)
		return
	}

	if behavior.ConsentDelay > 0 {
		select {
		case <-time.After(behavior.ConsentDelay):
		case <-r.Context().Done():
			return
		}
	}
	if behavior.ConsentStatus != 0 {
		w.WriteHeader(behavior.ConsentStatus)
		return
	}
	if behavior.MissingTokens {
		w.Write([]byte(`<html><body><p>Something went wrong, try again later.</p></body></html>`))
		return
	}

	sessionId := r.URL.Query().Get("sessionId")
	csrfToken := mustRandom(16)
	p.mutex.Lock()
	p.csrfTokens[sessionId] = csrfToken
	p.mutex.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "GUCS", Value: mustRandom(8), Path: "/", MaxAge: 1800})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, consentPage, PathCollectConsent, html.EscapeString(sessionId), html.EscapeString(csrfToken))
}

func (p *Provider) acceptConsent(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	sessionId := r.PostForm.Get("sessionId")

	p.mutex.Lock()
	expected, ok := p.csrfTokens[sessionId]
	p.mutex.Unlock()
	if !ok || expected != r.PostForm.Get("csrfToken") || r.PostForm.Get("agree") != "agree" {
		http.Error(w, "invalid consent", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:   AuthCookieName,
		Value:  "csrf-" + mustRandom(24),
		Path:   "/",
		MaxAge: 3600,
	})
	http.Redirect(w, r, PathCopyConsent+"?sessionId="+sessionId, http.StatusFound)
}

func (p *Provider) handleCopyConsent(w http.ResponseWriter, r *http.Request) {
	p.count(r)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (p *Provider) handleBasicCookie(w http.ResponseWriter, r *http.Request) {
	p.count(r)
	http.SetCookie(w, &http.Cookie{
		Name:   AuthCookieName,
		Value:  "basic-" + mustRandom(24),
		Path:   "/",
		MaxAge: 3600,
	})
	http.NotFound(w, r)
}

func (p *Provider) authCookie(r *http.Request) string {
	c, err := r.Cookie(AuthCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (p *Provider) handleCrumb(w http.ResponseWriter, r *http.Request) {
	p.count(r)
	behavior := p.current()
	if behavior.CrumbDelay > 0 {
		select {
		case <-time.After(behavior.CrumbDelay):
		case <-r.Context().Done():
			return
		}
	}
	if behavior.CrumbStatus != 0 {
		w.WriteHeader(behavior.CrumbStatus)
		return
	}

	cookie := p.authCookie(r)
	if cookie == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	crumb := mustRandom(11)
	p.mutex.Lock()
	p.crumbs[cookie] = crumb
	p.mutex.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(crumb))
}

func (p *Provider) handleQuote(w http.ResponseWriter, r *http.Request) {
	p.count(r)
	behavior := p.current()

	params := r.URL.Query()["crumb"]
	p.mutex.Lock()
	p.crumbParams = append(p.crumbParams, params)
	p.mutex.Unlock()

	if behavior.DataStatus != 0 {
		w.WriteHeader(behavior.DataStatus)
		return
	}

	cookie := p.authCookie(r)
	p.mutex.Lock()
	crumb, known := p.crumbs[cookie]
	p.mutex.Unlock()

	switch {
	case behavior.AlwaysUnauthorized,
		!known,
		len(params) != 1 || params[0] != crumb,
		behavior.RejectCSRF && strings.HasPrefix(cookie, "csrf-"),
		behavior.RejectBasic && strings.HasPrefix(cookie, "basic-"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"finance":{"result":null,"error":{"code":"Unauthorized","description":"Invalid Crumb"}}}`))
		return
	}

	symbol := r.URL.Query().Get("symbols")
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"quoteResponse":{"result":[{"symbol":%q,"regularMarketPrice":123.45}],"error":null}}`, symbol)
}
