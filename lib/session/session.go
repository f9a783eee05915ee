package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"finclient/internal/components/assert"
	"finclient/internal/components/chrono"
	"finclient/internal/components/telemetry"
	"finclient/lib/cookiestore"
	"finclient/lib/identity"
	"finclient/lib/ratelimit"
	"finclient/lib/restyutil"
	"finclient/lib/tokenscan"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("finclient/session")

// Phase is where the authenticator currently is in its handshake.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchingConsentPage
	PhaseCollectingCookies
	PhaseParsingTokens
	PhaseSubmittingConsent
	PhaseAwaitingCrumb
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchingConsentPage:
		return "fetching-consent-page"
	case PhaseCollectingCookies:
		return "collecting-cookies"
	case PhaseParsingTokens:
		return "parsing-tokens"
	case PhaseSubmittingConsent:
		return "submitting-consent"
	case PhaseAwaitingCrumb:
		return "awaiting-crumb"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the authentication state of a session.
type State struct {
	Strategy cookiestore.Strategy
	// Crumb is empty when there is none.
	Crumb         string
	Authenticated bool
	Phase         Phase
}

// Session is the state shared by an Authenticator and the Executors built on
// it, along with the http machinery every one of their requests goes through.
// It lives for the lifetime of the process and is never persisted.
type Session struct {
	mutex sync.Mutex
	state State
	// generation changes every time the strategy is toggled, a handshake
	// only commits if the generation it started in is still current
	generation uint64

	config           Config
	handshakeTimeout time.Duration

	http      *resty.Client
	store     *cookiestore.Store
	identity  *identity.Provider
	extractor tokenscan.Extractor
	limiter   *ratelimit.Limiter
	clock     chrono.TimeAPI
	tel       telemetry.API
}

type Options struct {
	Config Config
	// Limiter is required, every request of the session goes through it.
	Limiter *ratelimit.Limiter

	// Jar defaults to a new jar, pass one in to share cookies with other
	// parts of the process.
	Jar *cookiestore.Jar
	// Identity defaults to a provider built from Config.Identity.
	Identity *identity.Provider
	// Extractor defaults to the one Config.Extractor names.
	Extractor tokenscan.Extractor
	// Transport defaults to identity.NewTransport of the identity's transport config.
	Transport http.RoundTripper
	Clock     chrono.TimeAPI
	Telemetry telemetry.API
	// InstrumentOutput receives a dump of every http message when debug
	// logging is enabled, it is optional.
	InstrumentOutput restyutil.InstrumentOutput
}

func New(opts Options) (*Session, error) {
	assert.NotNil(opts.Limiter, "limiter")

	config := opts.Config
	err := config.validate()
	if err != nil {
		return nil, err
	}
	strategy, _ := config.initialStrategy()
	handshakeTimeout, _ := config.handshakeTimeout()

	if opts.Clock == nil {
		opts.Clock = chrono.NewStandardTime()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.SlogAPI{}
	}
	if opts.Identity == nil {
		opts.Identity, err = config.identityProvider()
		if err != nil {
			return nil, err
		}
	}
	if opts.Extractor == nil {
		opts.Extractor, _ = config.extractor()
	}
	if opts.Jar == nil {
		opts.Jar, err = cookiestore.NewJar(opts.Clock)
		if err != nil {
			return nil, err
		}
	}
	transportConfig := opts.Identity.TransportConfig()
	if opts.Transport == nil {
		opts.Transport = identity.NewTransport(transportConfig)
	}

	tel := telemetry.NewScopedAPI("session", opts.Telemetry)

	store, err := cookiestore.NewStore(opts.Jar, opts.Clock, opts.Telemetry, cookiestore.Options{
		PrimaryDomain:  config.Cookies.PrimaryDomain,
		PrimaryURL:     config.Cookies.PrimaryURL,
		ExcludedDomain: config.Cookies.ExcludedDomain,
		AuthCookieName: config.Cookies.AuthCookieName,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: opts.Transport,
		Jar:       opts.Jar,
		Timeout:   transportConfig.Timeout,
	}
	client := resty.NewWithClient(httpClient)
	telemetry.InstrumentResty(client, tel)
	restyutil.InstrumentClient(client, tracer, opts.InstrumentOutput)

	return &Session{
		state:            State{Strategy: strategy},
		config:           config,
		handshakeTimeout: handshakeTimeout,
		http:             client,
		store:            store,
		identity:         opts.Identity,
		extractor:        opts.Extractor,
		limiter:          opts.Limiter,
		clock:            opts.Clock,
		tel:              tel,
	}, nil
}

func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Session) snapshot() (State, uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state, s.generation
}

// enter moves the handshake of `generation` to `phase`, it fails with
// Superseded if the strategy was toggled in the meantime.
func (s *Session) enter(generation uint64, phase Phase) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.generation != generation {
		return &AuthError{Kind: Superseded}
	}
	s.state.Phase = phase
	return nil
}

// commit records a successful handshake and runs onCommit while still
// holding the state, unless the strategy was toggled since the handshake
// started.
func (s *Session) commit(generation uint64, crumb string, onCommit func()) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.generation != generation {
		return false
	}
	s.state.Crumb = crumb
	s.state.Authenticated = true
	s.state.Phase = PhaseAuthenticated
	if onCommit != nil {
		onCommit()
	}
	return true
}

// toggle flips the strategy and drops the authentication. If `from` is set
// and is no longer the current generation, someone else already toggled and
// nothing happens.
func (s *Session) toggle(from *uint64, onToggle func()) (cookiestore.Strategy, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if from != nil && *from != s.generation {
		return s.state.Strategy, false
	}
	s.generation++
	s.state = State{Strategy: s.state.Strategy.Toggle(), Phase: PhaseIdle}
	if onToggle != nil {
		onToggle()
	}
	return s.state.Strategy, true
}

// send runs a request built from the session's client through the rate limiter.
func (s *Session) send(ctx context.Context, build func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	return ratelimit.Execute(ctx, s.limiter, func(ctx context.Context) (*resty.Response, error) {
		return build(s.http.R().SetContext(ctx))
	})
}

func (s *Session) Store() *cookiestore.Store {
	return s.store
}

func (s *Session) Identity() *identity.Provider {
	return s.identity
}

func (s *Session) Limiter() *ratelimit.Limiter {
	return s.limiter
}

// StatusReport is everything worth knowing about a session at a glance.
type StatusReport struct {
	State     State
	Cookies   cookiestore.Status
	RateLimit ratelimit.Config
	InFlight  int
	Identity  string
}

func (s *Session) Status() StatusReport {
	return StatusReport{
		State:     s.State(),
		Cookies:   s.store.Status(),
		RateLimit: s.limiter.CurrentConfig(),
		InFlight:  s.limiter.InFlight(),
		Identity:  s.identity.Current().Name,
	}
}
