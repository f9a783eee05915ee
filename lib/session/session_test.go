package session

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"finclient/internal/components/telemetry"
	"finclient/lib/cookiestore"
	"finclient/lib/identity"
	"finclient/lib/ratelimit"
	libtelemetry "finclient/lib/telemetry"
	"finclient/lib/testutil"
	"finclient/lib/tokenscan"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	cleanup := libtelemetry.SetupForTesting("test:session")
	code := m.Run()
	cleanup()
	os.Exit(code)
}

type fixture struct {
	provider *testutil.Provider
	session  *Session
	auth     *Authenticator
	executor *Executor
	tel      *telemetry.RecorderAPI
}

func testConfig(p *testutil.Provider) Config {
	return Config{
		Endpoints: Endpoints{
			ConsentURL:     p.URL(testutil.PathConsent),
			CopyConsentURL: p.URL(testutil.PathCopyConsent + "?sessionId={sessionId}"),
			CrumbURL:       p.URL(testutil.PathCrumb),
			BasicCookieURL: p.URL(testutil.PathBasicCookie),
		},
		Cookies: CookieConfig{
			PrimaryDomain:  p.Host(),
			PrimaryURL:     p.URL("/"),
			AuthCookieName: testutil.AuthCookieName,
		},
		InitialStrategy:  "csrf",
		ConsentNamespace: "yahoo",
		OriginalDoneURL:  p.URL("/"),
		HandshakeTimeout: "5s",
		RateLimitPreset:  "test",
	}
}

func newFixture(t testing.TB, configure ...func(c *Config)) fixture {
	t.Helper()

	provider := testutil.NewProvider()
	t.Cleanup(provider.Close)

	config := testConfig(provider)
	for _, fn := range configure {
		fn(&config)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MinimumInterval:       time.Millisecond,
		MaxConcurrentRequests: 10,
	})
	require.NoError(t, err)

	transport := identity.DefaultTransportConfig()
	transport.CloudflareBypass = false
	transport.Timeout = 5 * time.Second

	tel := telemetry.NewRecorderAPI()
	session, err := New(Options{
		Config:    config,
		Limiter:   limiter,
		Identity:  identity.NewProvider(identity.ProviderOptions{Transport: &transport}),
		Telemetry: tel,
	})
	require.NoError(t, err)

	auth := NewAuthenticator(session)
	return fixture{
		provider: provider,
		session:  session,
		auth:     auth,
		executor: NewExecutor(auth),
		tel:      tel,
	}
}

func (f fixture) quoteURL() string {
	return f.provider.URL(testutil.PathQuote + "?symbols=AAPL")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.TestConfig)
	require.NoError(t, err)

	_, err = New(Options{Config: Config{}, Limiter: limiter})
	require.Error(t, err)

	config := DefaultConfig()
	config.InitialStrategy = "magic"
	_, err = New(Options{Config: config, Limiter: limiter})
	require.Error(t, err)

	config = DefaultConfig()
	config.HandshakeTimeout = "-1s"
	_, err = New(Options{Config: config, Limiter: limiter})
	require.Error(t, err)

	config = DefaultConfig()
	config.Extractor = "telepathy"
	_, err = New(Options{Config: config, Limiter: limiter})
	require.Error(t, err)

	config = DefaultConfig()
	config.Identity.StartProfile = "netscape-navigator"
	_, err = New(Options{Config: config, Limiter: limiter})
	require.Error(t, err)
}

func TestIdentityConfig(t *testing.T) {
	bypass := false
	config := DefaultConfig()
	config.Identity = IdentityConfig{
		StartProfile:     identity.ChromeLinux.Name,
		CloudflareBypass: &bypass,
		RequestTimeout:   "3s",
	}

	provider, err := config.identityProvider()
	require.NoError(t, err)
	require.Equal(t, identity.ChromeLinux.Name, provider.Current().Name)
	require.False(t, provider.TransportConfig().CloudflareBypass)
	require.Equal(t, 3*time.Second, provider.TransportConfig().Timeout)

	provider, err = DefaultConfig().identityProvider()
	require.NoError(t, err)
	require.Equal(t, identity.ChromeWindows.Name, provider.Current().Name)
	require.True(t, provider.TransportConfig().CloudflareBypass)
}

func TestInitialState(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, State{Strategy: cookiestore.StrategyCSRF, Phase: PhaseIdle}, f.session.State())

	f = newFixture(t, func(c *Config) { c.InitialStrategy = "basic" })
	require.Equal(t, cookiestore.StrategyBasic, f.session.State().Strategy)
}

func TestCSRFHandshake(t *testing.T) {
	f := newFixture(t)

	err := f.auth.Authenticate(context.Background())
	require.NoError(t, err)

	state := f.session.State()
	require.True(t, state.Authenticated)
	require.NotEmpty(t, state.Crumb)
	require.Equal(t, cookiestore.StrategyCSRF, state.Strategy)
	require.Equal(t, PhaseAuthenticated, state.Phase)

	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
	require.Equal(t, 1, f.provider.Count(http.MethodPost, testutil.PathCollectConsent))
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathCrumb))
	require.Equal(t, 0, f.provider.Count(http.MethodGet, testutil.PathBasicCookie))

	require.True(t, f.session.Store().HasValidPrimaryAuthCookie())
	_, ok := f.session.Store().CachedCookie(cookiestore.StrategyCSRF, f.provider.Host(), testutil.AuthCookieName)
	require.True(t, ok)

	// already authenticated, only the crumb is fetched again
	crumb := state.Crumb
	err = f.auth.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
	require.Equal(t, 1, f.provider.Count(http.MethodPost, testutil.PathCollectConsent))
	require.Equal(t, 2, f.provider.Count(http.MethodGet, testutil.PathCrumb))
	require.NotEqual(t, crumb, f.session.State().Crumb)
}

func TestAuthenticateRefreshesCrumb(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))
	before := f.session.State()

	require.NoError(t, f.auth.Authenticate(context.Background()))
	after := f.session.State()
	require.True(t, after.Authenticated)
	require.Equal(t, PhaseAuthenticated, after.Phase)
	require.Equal(t, before.Strategy, after.Strategy)
	require.NotEqual(t, before.Crumb, after.Crumb)

	// the refreshed crumb is the one the provider accepts now
	res, err := f.executor.Request(context.Background(), f.quoteURL())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.URL, "crumb="+after.Crumb)

	// a refresh that fails keeps the session as it was
	f.provider.Set(func(b *testutil.Behavior) { b.CrumbStatus = http.StatusTooManyRequests })
	err = f.auth.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrCrumbUnavailable)
	require.Equal(t, after, f.session.State())
	require.Len(t, f.tel.Find(telemetry.KindWarning, report_authenticator_refresh), 1)
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
}

func TestConcurrentRefreshesAreSerialized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.auth.Authenticate(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
	require.True(t, f.session.State().Authenticated)

	res, err := f.executor.Request(context.Background(), f.quoteURL())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCSRFHandshakeWithExplicitAcceptURL(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Endpoints.ConsentAcceptURL = strings.TrimSuffix(c.Endpoints.ConsentURL, testutil.PathConsent) +
			testutil.PathCollectConsent + "?sessionId={sessionId}"
	})

	err := f.auth.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, f.session.State().Authenticated)
}

func TestCSRFHandshakeWithDocumentExtractor(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Extractor = "document" })
	require.IsType(t, tokenscan.DocumentExtractor{}, f.session.extractor)

	err := f.auth.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, f.session.State().Authenticated)
	require.Equal(t, 1, f.provider.Count(http.MethodPost, testutil.PathCollectConsent))

	f = newFixture(t)
	require.IsType(t, tokenscan.PatternExtractor{}, f.session.extractor)
}

func TestBasicHandshake(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.InitialStrategy = "basic" })

	err := f.auth.Authenticate(context.Background())
	require.NoError(t, err)

	state := f.session.State()
	require.True(t, state.Authenticated)
	require.NotEmpty(t, state.Crumb)
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathBasicCookie))
	require.Equal(t, 0, f.provider.Count(http.MethodGet, testutil.PathConsent))

	// the basic auth cookie is kept under basic only, it never stands in
	// for a consented one
	store := f.session.Store()
	_, ok := store.CachedCookie(cookiestore.StrategyBasic, f.provider.Host(), testutil.AuthCookieName)
	require.True(t, ok)
	_, ok = store.CachedCookie(cookiestore.StrategyCSRF, f.provider.Host(), testutil.AuthCookieName)
	require.False(t, ok)
}

func TestTokensMissing(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.MissingTokens = true })

	err := f.auth.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrTokensMissing)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, TokensMissing, authErr.Kind)

	require.Equal(t, 0, f.provider.Count(http.MethodPost, testutil.PathCollectConsent))

	state := f.session.State()
	require.False(t, state.Authenticated)
	require.Empty(t, state.Crumb)
	require.Equal(t, PhaseFailed, state.Phase)
	// a failed handshake does not toggle
	require.Equal(t, cookiestore.StrategyCSRF, state.Strategy)

	require.Len(t, f.tel.Find(telemetry.KindBroken, report_authenticator_handshake), 1)
}

func TestConsentPageStatus(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.ConsentStatus = http.StatusServiceUnavailable })

	err := f.auth.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)
	status, ok := HTTPStatus(err)
	require.True(t, ok)
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestProviderUnreachable(t *testing.T) {
	f := newFixture(t)
	f.provider.Close()

	err := f.auth.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)
	require.False(t, f.session.State().Authenticated)

	_, err = f.executor.Request(context.Background(), f.quoteURL())
	var networkErr *NetworkError
	require.ErrorAs(t, err, &networkErr)
	require.Zero(t, networkErr.StatusCode)
	require.NotErrorIs(t, err, ErrHTTPStatus)
}

func TestCrumbUnavailable(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.CrumbStatus = http.StatusTooManyRequests })

	err := f.auth.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrCrumbUnavailable)
	require.False(t, f.session.State().Authenticated)
	require.Empty(t, f.session.State().Crumb)
}

func TestConcurrentAuthenticateCoalesces(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.ConsentDelay = 100 * time.Millisecond })

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.auth.Authenticate(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
	require.True(t, f.session.State().Authenticated)
}

func TestAuthenticateCancellation(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.ConsentDelay = 300 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.auth.Authenticate(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the handshake itself was not canceled and commits as a whole
	require.Eventually(t, func() bool {
		state := f.session.State()
		return state.Authenticated && state.Crumb != ""
	}, 3*time.Second, 10*time.Millisecond)
}

func TestToggleSupersedesHandshake(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.ConsentDelay = 200 * time.Millisecond })

	done := make(chan error, 1)
	go func() {
		done <- f.auth.Authenticate(context.Background())
	}()

	require.Eventually(t, func() bool {
		return f.session.State().Phase == PhaseFetchingConsentPage
	}, time.Second, time.Millisecond)
	require.Equal(t, cookiestore.StrategyBasic, f.auth.ToggleStrategy())

	err := <-done
	require.ErrorIs(t, err, ErrSuperseded)

	state := f.session.State()
	require.False(t, state.Authenticated)
	require.Equal(t, cookiestore.StrategyBasic, state.Strategy)
	require.Empty(t, f.tel.Find(telemetry.KindBroken, report_authenticator_handshake))

	err = f.auth.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathBasicCookie))
}

func TestToggleDuringFailingHandshake(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) {
		b.CrumbDelay = 200 * time.Millisecond
		b.CrumbStatus = http.StatusTooManyRequests
	})

	done := make(chan error, 1)
	go func() {
		done <- f.auth.Authenticate(context.Background())
	}()

	require.Eventually(t, func() bool {
		return f.session.State().Phase == PhaseAwaitingCrumb
	}, 2*time.Second, time.Millisecond)
	f.auth.ToggleStrategy()

	// the crumb failure lands after the toggle and leaves the new state alone
	err := <-done
	require.ErrorIs(t, err, ErrSuperseded)
	require.Equal(t, State{Strategy: cookiestore.StrategyBasic, Phase: PhaseIdle}, f.session.State())
	require.Empty(t, f.tel.Find(telemetry.KindBroken, report_authenticator_handshake))
}

func TestToggleStrategyResetsState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))
	require.NotEmpty(t, f.session.Store().CachedCookies(cookiestore.StrategyCSRF))

	require.Equal(t, cookiestore.StrategyBasic, f.auth.ToggleStrategy())
	require.Equal(t, State{Strategy: cookiestore.StrategyBasic, Phase: PhaseIdle}, f.session.State())
	require.Empty(t, f.session.Store().CachedCookies(cookiestore.StrategyCSRF))

	require.Equal(t, cookiestore.StrategyCSRF, f.auth.ToggleStrategy())
	require.Equal(t, cookiestore.StrategyCSRF, f.session.State().Strategy)
	require.Len(t, f.tel.Find(telemetry.KindWarning, report_authenticator_toggle), 2)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))

	status := f.session.Status()
	require.True(t, status.State.Authenticated)
	require.True(t, status.Cookies.HasValidAuthCookie)
	require.Positive(t, status.Cookies.CachedCookieCount)
	require.Equal(t, 10, status.RateLimit.MaxConcurrentRequests)
	require.Zero(t, status.InFlight)
	require.Equal(t, identity.ChromeWindows.Name, status.Identity)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "awaiting-crumb", PhaseAwaitingCrumb.String())
	require.Equal(t, "unknown", Phase(99).String())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.validate())

	rateLimit, err := config.RateLimit()
	require.NoError(t, err)
	require.Equal(t, ratelimit.ProductionConfig, rateLimit)

	config.RateLimitPreset = "turbo"
	_, err = config.RateLimit()
	require.Error(t, err)
}
