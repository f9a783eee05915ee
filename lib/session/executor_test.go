package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"finclient/internal/components/telemetry"
	"finclient/lib/cookiestore"
	"finclient/lib/identity"
	"finclient/lib/testutil"

	"github.com/stretchr/testify/require"
)

func TestRequestAuthenticatesFirst(t *testing.T) {
	f := newFixture(t)

	res, err := f.executor.Request(context.Background(), f.quoteURL())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), `"symbol":"AAPL"`)

	state := f.session.State()
	require.True(t, state.Authenticated)
	require.Contains(t, res.URL, "crumb="+state.Crumb)

	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathQuote))
	require.Equal(t, [][]string{{state.Crumb}}, f.provider.CrumbParams())
}

func TestRequestReusesAuthentication(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.executor.Request(context.Background(), f.quoteURL())
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathConsent))
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathCrumb))
	require.Equal(t, 3, f.provider.Count(http.MethodGet, testutil.PathQuote))
}

func TestRequestFallsBackToBasic(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.RejectCSRF = true })

	res, err := f.executor.Request(context.Background(), f.quoteURL())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	state := f.session.State()
	require.Equal(t, cookiestore.StrategyBasic, state.Strategy)
	require.True(t, state.Authenticated)

	require.Equal(t, 2, f.provider.Count(http.MethodGet, testutil.PathQuote))
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathBasicCookie))
	require.Len(t, f.tel.Find(telemetry.KindWarning, report_authenticator_toggle), 1)
	require.Empty(t, f.session.Store().CachedCookies(cookiestore.StrategyCSRF))
}

func TestRequestAfterFailedHandshake(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.MissingTokens = true })

	// the request goes out without a crumb, gets refused and the basic
	// strategy takes over
	res, err := f.executor.Request(context.Background(), f.quoteURL())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.Equal(t, cookiestore.StrategyBasic, f.session.State().Strategy)
	require.Equal(t, 0, f.provider.Count(http.MethodPost, testutil.PathCollectConsent))

	params := f.provider.CrumbParams()
	require.Len(t, params, 2)
	require.Empty(t, params[0])
	require.Len(t, params[1], 1)

	require.Len(t, f.tel.Find(telemetry.KindWarning, report_executor_authenticate), 1)
}

func TestRequestAuthenticationExhausted(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.AlwaysUnauthorized = true })

	_, err := f.executor.Request(context.Background(), f.quoteURL())
	require.ErrorIs(t, err, ErrAuthenticationExhausted)
	require.ErrorIs(t, err, ErrHTTPStatus)

	status, ok := HTTPStatus(err)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, status)

	require.Equal(t, 2, f.provider.Count(http.MethodGet, testutil.PathQuote))
	require.Len(t, f.tel.Find(telemetry.KindBroken, report_executor_request), 1)
}

func TestRequestServerError(t *testing.T) {
	f := newFixture(t)
	f.provider.Set(func(b *testutil.Behavior) { b.DataStatus = http.StatusInternalServerError })

	_, err := f.executor.Request(context.Background(), f.quoteURL())
	require.ErrorIs(t, err, ErrHTTPStatus)
	require.NotErrorIs(t, err, ErrAuthenticationExhausted)

	var networkErr *NetworkError
	require.ErrorAs(t, err, &networkErr)
	require.Equal(t, http.StatusInternalServerError, networkErr.StatusCode)

	// no retry and no toggle
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathQuote))
	require.Equal(t, cookiestore.StrategyCSRF, f.session.State().Strategy)
}

func TestRequestInvalidURL(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Request(context.Background(), "not a url")
	var networkErr *NetworkError
	require.ErrorAs(t, err, &networkErr)
	require.Equal(t, 0, f.provider.Count(http.MethodGet, testutil.PathConsent))
}

func TestRequestCanceled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.executor.Request(ctx, f.quoteURL())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, f.provider.Count(http.MethodGet, testutil.PathQuote))
}

func TestConcurrentRefusalsToggleOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))
	f.provider.Set(func(b *testutil.Behavior) { b.RejectCSRF = true })

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.executor.Request(context.Background(), f.quoteURL())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, cookiestore.StrategyBasic, f.session.State().Strategy)
	require.Len(t, f.tel.Find(telemetry.KindWarning, report_authenticator_toggle), 1)
	require.Equal(t, 1, f.provider.Count(http.MethodGet, testutil.PathBasicCookie))
}

func TestRequestDoesNotDuplicateCrumb(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))
	crumb := f.session.State().Crumb

	_, err := f.executor.Request(context.Background(), AddCrumb(f.quoteURL(), crumb))
	require.NoError(t, err)
	require.Equal(t, [][]string{{crumb}}, f.provider.CrumbParams())
}

func TestAddCrumb(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		crumb  string
		expect string
	}{
		{
			name:   "no query",
			url:    "https://query1.finance.yahoo.com/v7/finance/quote",
			crumb:  "abc",
			expect: "https://query1.finance.yahoo.com/v7/finance/quote?crumb=abc",
		},
		{
			name:   "existing query",
			url:    "https://query1.finance.yahoo.com/v7/finance/quote?symbols=AAPL",
			crumb:  "abc",
			expect: "https://query1.finance.yahoo.com/v7/finance/quote?symbols=AAPL&crumb=abc",
		},
		{
			name:   "already has crumb",
			url:    "https://query1.finance.yahoo.com/v7/finance/quote?crumb=old&symbols=AAPL",
			crumb:  "abc",
			expect: "https://query1.finance.yahoo.com/v7/finance/quote?crumb=old&symbols=AAPL",
		},
		{
			name:   "empty crumb",
			url:    "https://query1.finance.yahoo.com/v7/finance/quote",
			crumb:  "",
			expect: "https://query1.finance.yahoo.com/v7/finance/quote",
		},
		{
			name:   "escaped crumb",
			url:    "https://query1.finance.yahoo.com/v7/finance/quote",
			crumb:  "a/b+c",
			expect: "https://query1.finance.yahoo.com/v7/finance/quote?crumb=a%2Fb%2Bc",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.expect, AddCrumb(c.url, c.crumb))
		})
	}
}

func TestAddCrumbIfNeeded(t *testing.T) {
	f := newFixture(t)
	url := "https://query1.finance.yahoo.com/v7/finance/quote?symbols=AAPL"

	require.Equal(t, url, f.executor.AddCrumbIfNeeded(url))

	require.NoError(t, f.auth.Authenticate(context.Background()))
	crumb := f.session.State().Crumb
	withCrumb := f.executor.AddCrumbIfNeeded(url)
	require.Equal(t, url+"&crumb="+crumb, withCrumb)
	require.Equal(t, withCrumb, f.executor.AddCrumbIfNeeded(withCrumb))
}

func TestRotateIdentity(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, identity.ChromeWindows.Name, f.session.Identity().Current().Name)

	profile := f.executor.RotateIdentity()
	require.Equal(t, identity.ChromeMacOS.Name, profile.Name)
	require.Equal(t, profile.Name, f.session.Status().Identity)

	_, err := f.executor.Request(context.Background(), f.quoteURL())
	require.NoError(t, err)
}

func TestRequestRespectsRateLimit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.auth.Authenticate(context.Background()))
	require.NoError(t, f.session.Limiter().Configure(ratelimitConfig(50*time.Millisecond, 1)))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.executor.Request(context.Background(), f.quoteURL())
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)
}
