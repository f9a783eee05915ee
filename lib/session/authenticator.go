package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"finclient/internal/components/assert"
	"finclient/lib/cookiestore"
	"finclient/lib/tokenscan"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	report_authenticator_handshake = "authenticator.handshake"
	report_authenticator_toggle    = "authenticator.toggle-strategy"
	report_authenticator_refresh   = "authenticator.refresh-crumb"
)

// Authenticator obtains the cookies and the crumb of a session. At most one
// handshake runs at a time, concurrent callers share the result of the one
// in flight.
type Authenticator struct {
	session *Session
	flight  singleflight.Group
	// lock is held for the whole of a handshake
	lock chan struct{}
}

func NewAuthenticator(session *Session) *Authenticator {
	assert.NotNil(session, "session")
	return &Authenticator{
		session: session,
		lock:    make(chan struct{}, 1),
	}
}

func (a *Authenticator) Session() *Session {
	return a.session
}

// Authenticate runs the handshake of the current strategy. If the session
// is already authenticated only the crumb is fetched again and replaced. A
// handshake does not toggle the strategy when it fails.
//
// Returning early because ctx is done does not cancel a handshake other
// callers may be waiting on, it runs to completion (or HandshakeTimeout)
// on its own.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	return a.authenticate(ctx, true)
}

// authenticate is Authenticate, except that an authenticated session is left
// as is unless `refresh` is set.
func (a *Authenticator) authenticate(ctx context.Context, refresh bool) error {
	state, generation := a.session.snapshot()
	if state.Authenticated && !refresh {
		return nil
	}

	handshakeCtx := context.WithoutCancel(ctx)
	key := fmt.Sprintf("%d:%t", generation, refresh)
	ch := a.flight.DoChan(key, func() (any, error) {
		return nil, a.run(handshakeCtx, generation, refresh)
	})

	select {
	case result := <-ch:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Authenticator) run(ctx context.Context, generation uint64, refresh bool) error {
	ctx, cancel := context.WithTimeout(ctx, a.session.handshakeTimeout)
	defer cancel()

	select {
	case a.lock <- struct{}{}:
	case <-ctx.Done():
		return &AuthError{Kind: FetchFailed, Err: ctx.Err()}
	}
	defer func() { <-a.lock }()

	state, current := a.session.snapshot()
	if current != generation {
		return &AuthError{Kind: Superseded}
	}
	if state.Authenticated {
		if !refresh {
			return nil
		}
		return a.refreshCrumb(ctx, generation, state.Strategy)
	}

	handshakeId := uuid.NewString()
	ctx, span := tracer.Start(ctx, "authenticator:Authenticate", trace.WithAttributes(
		attribute.String("strategy", state.Strategy.String()),
		attribute.String("handshake_id", handshakeId),
	))
	defer span.End()

	var crumb string
	var err error
	switch state.Strategy {
	case cookiestore.StrategyBasic:
		crumb, err = a.basicHandshake(ctx, generation)
	default:
		crumb, err = a.csrfHandshake(ctx, generation)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")

		if errors.Is(err, ErrSuperseded) {
			a.session.tel.ReportDebug(report_authenticator_handshake, "superseded", handshakeId)
			return err
		}
		// a toggle that got in while the handshake was failing already moved
		// the session on, the failure no longer matters
		supersededErr := a.session.enter(generation, PhaseFailed)
		if supersededErr != nil {
			a.session.tel.ReportDebug(report_authenticator_handshake, "superseded", handshakeId, err.Error())
			return supersededErr
		}
		a.session.tel.ReportBroken(report_authenticator_handshake, err, state.Strategy.String(), handshakeId)
		return err
	}

	committed := a.session.commit(generation, crumb, func() {
		a.rememberCookies(state.Strategy)
	})
	if !committed {
		span.SetStatus(codes.Error, "superseded")
		return &AuthError{Kind: Superseded}
	}

	a.session.tel.ReportDebug(report_authenticator_handshake, "authenticated", state.Strategy.String(), handshakeId)
	return nil
}

// refreshCrumb replaces the crumb of an authenticated session. A failure
// keeps the previous crumb and authentication.
func (a *Authenticator) refreshCrumb(ctx context.Context, generation uint64, strategy cookiestore.Strategy) error {
	ctx, span := tracer.Start(ctx, "authenticator:RefreshCrumb", trace.WithAttributes(
		attribute.String("strategy", strategy.String()),
	))
	defer span.End()

	crumb, err := a.fetchCrumb(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "crumb refresh failed")
		a.session.tel.ReportWarning(report_authenticator_refresh, err, strategy.String())
		return err
	}
	if !a.session.commit(generation, crumb, nil) {
		span.SetStatus(codes.Error, "superseded")
		return &AuthError{Kind: Superseded}
	}
	a.session.tel.ReportDebug(report_authenticator_refresh, "refreshed", strategy.String())
	return nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// finalURL is the url a response was served from after following redirects.
func finalURL(res *resty.Response, fallback string) string {
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		return res.RawResponse.Request.URL.String()
	}
	return fallback
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func withSessionID(template, sessionId string) string {
	return strings.ReplaceAll(template, "{sessionId}", url.QueryEscape(sessionId))
}

func (a *Authenticator) csrfHandshake(ctx context.Context, generation uint64) (string, error) {
	s := a.session
	endpoints := s.config.Endpoints

	err := s.enter(generation, PhaseFetchingConsentPage)
	if err != nil {
		return "", err
	}
	res, err := s.send(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetHeaders(s.identity.NavigationHeaders()).Get(endpoints.ConsentURL)
	})
	if err != nil {
		return "", &AuthError{Kind: FetchFailed, Err: fmt.Errorf("consent page: %w", err)}
	}
	if !isSuccess(res.StatusCode()) {
		return "", &AuthError{
			Kind:       FetchFailed,
			StatusCode: res.StatusCode(),
			Err:        fmt.Errorf("consent page returned %s", res.Status()),
		}
	}
	consentPageURL := finalURL(res, endpoints.ConsentURL)

	err = s.enter(generation, PhaseParsingTokens)
	if err != nil {
		return "", err
	}
	tokens := s.extractor.ExtractAll(string(res.Body()))
	var missing []string
	for _, field := range tokenscan.ConsentFields {
		if tokens[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return "", &AuthError{
			Kind: TokensMissing,
			Err:  fmt.Errorf("consent page %s has no %s", consentPageURL, strings.Join(missing, " or ")),
		}
	}

	err = s.enter(generation, PhaseSubmittingConsent)
	if err != nil {
		return "", err
	}
	sessionId := tokens[tokenscan.FieldSessionID]
	acceptURL := consentPageURL
	if endpoints.ConsentAcceptURL != "" {
		acceptURL = withSessionID(endpoints.ConsentAcceptURL, sessionId)
	} else if action, ok := tokenscan.FormAction(string(res.Body()), consentPageURL); ok {
		acceptURL = action
	}
	form := map[string]string{
		tokenscan.FieldCSRFToken: tokens[tokenscan.FieldCSRFToken],
		tokenscan.FieldSessionID: sessionId,
		"agree":                  "agree",
		"consentUUID":            "default",
	}
	if s.config.ConsentNamespace != "" {
		form["namespace"] = s.config.ConsentNamespace
	}
	if s.config.OriginalDoneURL != "" {
		form["originalDoneUrl"] = s.config.OriginalDoneURL
	}

	res, err = s.send(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeaders(s.identity.FormSubmitHeaders(originOf(consentPageURL))).
			SetFormData(form).
			Post(acceptURL)
	})
	if err != nil {
		return "", &AuthError{Kind: FetchFailed, Err: fmt.Errorf("submit consent: %w", err)}
	}
	if res.StatusCode() >= 400 {
		return "", &AuthError{
			Kind:       FetchFailed,
			StatusCode: res.StatusCode(),
			Err:        fmt.Errorf("submit consent returned %s", res.Status()),
		}
	}

	if endpoints.CopyConsentURL != "" {
		copyURL := withSessionID(endpoints.CopyConsentURL, sessionId)
		res, err = s.send(ctx, func(req *resty.Request) (*resty.Response, error) {
			return req.SetHeaders(s.identity.NavigationHeaders()).Get(copyURL)
		})
		if err != nil {
			return "", &AuthError{Kind: FetchFailed, Err: fmt.Errorf("copy consent: %w", err)}
		}
		if res.StatusCode() >= 400 {
			s.tel.ReportWarning(report_authenticator_handshake, "copy consent", res.StatusCode())
		}
	}

	err = s.enter(generation, PhaseAwaitingCrumb)
	if err != nil {
		return "", err
	}
	return a.fetchCrumb(ctx)
}

// basicHandshake loads a page that hands out cookies whatever its status
// is, then asks for a crumb.
func (a *Authenticator) basicHandshake(ctx context.Context, generation uint64) (string, error) {
	s := a.session

	err := s.enter(generation, PhaseCollectingCookies)
	if err != nil {
		return "", err
	}
	_, err = s.send(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetHeaders(s.identity.NavigationHeaders()).Get(s.config.Endpoints.BasicCookieURL)
	})
	if err != nil {
		return "", &AuthError{Kind: FetchFailed, Err: fmt.Errorf("collect cookies: %w", err)}
	}

	err = s.enter(generation, PhaseAwaitingCrumb)
	if err != nil {
		return "", err
	}
	return a.fetchCrumb(ctx)
}

func (a *Authenticator) fetchCrumb(ctx context.Context) (string, error) {
	s := a.session
	headers := s.identity.Headers()
	headers["Accept"] = "*/*"

	res, err := s.send(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetHeaders(headers).Get(s.config.Endpoints.CrumbURL)
	})
	if err != nil {
		return "", &AuthError{Kind: CrumbUnavailable, Err: err}
	}
	if res.StatusCode() != 200 {
		return "", &AuthError{
			Kind:       CrumbUnavailable,
			StatusCode: res.StatusCode(),
			Err:        fmt.Errorf("crumb endpoint returned %s", res.Status()),
		}
	}

	crumb := strings.TrimSpace(res.String())
	if crumb == "" || strings.ContainsAny(crumb, "<> \t\r\n") {
		return "", &AuthError{Kind: CrumbUnavailable, Err: fmt.Errorf("crumb endpoint returned no crumb")}
	}
	return crumb, nil
}

// rememberCookies caches the cookies a successful handshake left in the jar.
// Only the csrf handshake produces a consented auth cookie, so only it is
// recorded as the primary one.
func (a *Authenticator) rememberCookies(strategy cookiestore.Strategy) {
	store := a.session.store
	relevant := store.FilterRelevantCookies(store.ExtractDomainCookies(store.Options().PrimaryDomain))
	store.Cache(strategy, relevant...)

	if strategy != cookiestore.StrategyCSRF {
		return
	}
	authCookie, ok := store.PrimaryAuthCookie()
	if ok {
		store.SetPrimaryAuthCookie(authCookie)
	}
}

// ToggleStrategy switches to the other strategy and drops the current
// authentication, the next request authenticates again.
func (a *Authenticator) ToggleStrategy() cookiestore.Strategy {
	strategy, _ := a.session.toggle(nil, a.clearCSRFCache)
	a.session.tel.ReportWarning(report_authenticator_toggle, strategy.String())
	return strategy
}

// toggleFrom is ToggleStrategy, but only if nobody toggled since `generation`.
func (a *Authenticator) toggleFrom(generation uint64) cookiestore.Strategy {
	strategy, toggled := a.session.toggle(&generation, a.clearCSRFCache)
	if toggled {
		a.session.tel.ReportWarning(report_authenticator_toggle, strategy.String())
	}
	return strategy
}

func (a *Authenticator) clearCSRFCache() {
	a.session.store.ClearCache(cookiestore.StrategyCSRF)
}
