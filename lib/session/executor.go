package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"finclient/internal/components/assert"
	"finclient/lib/identity"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_executor_request      = "executor.request"
	report_executor_authenticate = "executor.authenticate"
)

// maxAttempts bounds how many times one call to Request hits the network,
// the second attempt only happens after re-authenticating.
const maxAttempts = 2

// Response is the outcome of a successful request.
type Response struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	// URL is the url that was requested, crumb included.
	URL string
}

// Executor performs authenticated GET requests for the data endpoints.
type Executor struct {
	auth *Authenticator
}

func NewExecutor(auth *Authenticator) *Executor {
	assert.NotNil(auth, "authenticator")
	return &Executor{auth: auth}
}

func (e *Executor) Authenticator() *Authenticator {
	return e.auth
}

// Request fetches rawURL. If the session is not authenticated it tries to
// authenticate first, and carries on without authentication if that fails.
// A 401 or 403 toggles the strategy, re-authenticates and retries once.
//
// Failures are a *NetworkError for transport errors and non 2xx statuses,
// an *AuthError with kind AuthenticationExhausted when the retry is
// refused too, or the error of ctx when it is done.
func (e *Executor) Request(ctx context.Context, rawURL string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "executor:Request", trace.WithAttributes(
		attribute.String("url", rawURL),
	))
	defer span.End()

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		if err == nil {
			err = errors.New("url has no host")
		}
		span.SetStatus(codes.Error, "invalid url")
		return nil, &NetworkError{Err: err}
	}

	s := e.auth.session

	var lastStatus int
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// another request may have toggled the strategy since the last look
		e.ensureAuthenticated(ctx)
		state, generation := s.snapshot()
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("number", attempt),
			attribute.String("strategy", state.Strategy.String()),
		))

		res, err := e.send(ctx, target, state)
		if err != nil {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "canceled")
				return nil, ctx.Err()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			s.tel.ReportWarning(report_executor_request, err, rawURL)
			return nil, &NetworkError{Err: err}
		}

		status := res.StatusCode()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			lastStatus = status
			if attempt == maxAttempts {
				break
			}
			strategy := e.auth.toggleFrom(generation)
			s.tel.ReportDebug(report_executor_request, "refused, retrying", status, strategy.String())
			continue
		}
		if !isSuccess(status) {
			span.SetStatus(codes.Error, res.Status())
			return nil, &NetworkError{StatusCode: status}
		}

		return &Response{
			Body:       res.Body(),
			StatusCode: status,
			Header:     res.Header(),
			URL:        res.Request.URL,
		}, nil
	}

	err = &AuthError{
		Kind:       AuthenticationExhausted,
		StatusCode: lastStatus,
		Err:        &NetworkError{StatusCode: lastStatus},
	}
	span.SetStatus(codes.Error, "authentication exhausted")
	s.tel.ReportBroken(report_executor_request, err, rawURL)
	return nil, err
}

// ensureAuthenticated authenticates if needed, a failure only gets reported
// since the request is still attempted without authentication.
func (e *Executor) ensureAuthenticated(ctx context.Context) {
	if e.auth.session.State().Authenticated {
		return
	}
	err := e.auth.authenticate(ctx, false)
	if err != nil && ctx.Err() == nil {
		e.auth.session.tel.ReportWarning(report_executor_authenticate, err)
	}
}

func (e *Executor) send(ctx context.Context, target *url.URL, state State) (*resty.Response, error) {
	s := e.auth.session

	requestURL := target.String()
	if state.Authenticated {
		requestURL = AddCrumb(requestURL, state.Crumb)
	}
	missing := s.store.MissingCookies(state.Strategy, target)
	headers := s.identity.Headers()

	return s.send(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeaders(headers).
			SetCookies(missing).
			Get(requestURL)
	})
}

// AddCrumbIfNeeded appends the crumb of the session to rawURL if the session
// is authenticated and rawURL does not carry a crumb already.
func (e *Executor) AddCrumbIfNeeded(rawURL string) string {
	state := e.auth.session.State()
	if !state.Authenticated {
		return rawURL
	}
	return AddCrumb(rawURL, state.Crumb)
}

// AddCrumb appends a crumb query parameter to rawURL, the url is returned
// unchanged if crumb is empty, if rawURL already has a crumb or if it does
// not parse.
func AddCrumb(rawURL, crumb string) string {
	if crumb == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Query().Has("crumb") {
		return rawURL
	}

	param := "crumb=" + url.QueryEscape(crumb)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery = strings.TrimSuffix(u.RawQuery, "&") + "&" + param
	}
	return u.String()
}

// RotateIdentity moves the session to the next browser identity, it
// returns the identity now in use.
func (e *Executor) RotateIdentity() identity.Profile {
	profile := e.auth.session.identity.Rotate()
	e.auth.session.tel.ReportDebug(report_executor_request, "rotated identity", profile.Name)
	return profile
}
