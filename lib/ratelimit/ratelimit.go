package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("finclient/ratelimit")
var admissionCounter, _ = meter.Int64Counter(
	"ratelimit.admissions",
	metric.WithDescription("Requests admitted by the rate limiter."),
)
var admissionWait, _ = meter.Float64Histogram(
	"ratelimit.admission_wait",
	metric.WithDescription("Time spent waiting for a slot and for the interval."),
	metric.WithUnit("s"),
)

// Limiter bounds how many requests run at once and how close together
// they may start. Starts are spaced globally, across every caller.
type Limiter struct {
	mutex    sync.Mutex
	config   Config
	defaults Config
	// running counts the slots held, it is checked against the current
	// config so a lowered bound holds back new admissions until enough
	// holders are done. released is closed and replaced to wake waiters.
	running  int
	released chan struct{}

	// gate serializes admissions, lastStart is only touched while holding it
	gate      chan struct{}
	lastStart time.Time

	inFlight atomic.Int64
}

func New(config Config) (*Limiter, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}
	return &Limiter{
		config:   config,
		defaults: config,
		released: make(chan struct{}),
		gate:     make(chan struct{}, 1),
	}, nil
}

var (
	sharedOnce sync.Once
	shared     *Limiter
)

// Shared returns the process wide limiter, configured with ProductionConfig.
func Shared() *Limiter {
	sharedOnce.Do(func() {
		var err error
		shared, err = New(ProductionConfig)
		if err != nil {
			panic(err)
		}
	})
	return shared
}

// Configure replaces the configuration, requests that were already admitted
// are not affected.
func (l *Limiter) Configure(config Config) error {
	err := config.Validate()
	if err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	raised := config.MaxConcurrentRequests > l.config.MaxConcurrentRequests
	l.config = config
	if raised {
		l.wake()
	}
	return nil
}

func (l *Limiter) UseTestPreset() {
	err := l.Configure(TestConfig)
	if err != nil {
		panic(err)
	}
}

// RestoreDefaults goes back to the configuration the limiter was created with.
func (l *Limiter) RestoreDefaults() {
	l.mutex.Lock()
	defaults := l.defaults
	l.mutex.Unlock()

	err := l.Configure(defaults)
	if err != nil {
		panic(err)
	}
}

func (l *Limiter) CurrentConfig() Config {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.config
}

// InFlight is the number of requests currently running.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Do waits for a free slot and for the minimum interval since the previous
// admission, then runs work. The slot is released when work returns or
// panics. If ctx is done before admission, work is never run.
func (l *Limiter) Do(ctx context.Context, work func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitStart := time.Now()

	err := l.acquire(ctx)
	if err != nil {
		return err
	}
	defer l.release()

	err = l.admit(ctx)
	if err != nil {
		return err
	}

	admissionCounter.Add(ctx, 1)
	admissionWait.Record(ctx, time.Since(waitStart).Seconds())

	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	return work(ctx)
}

func (l *Limiter) acquire(ctx context.Context) error {
	for {
		l.mutex.Lock()
		if l.running < l.config.MaxConcurrentRequests {
			l.running++
			l.mutex.Unlock()
			return nil
		}
		released := l.released
		l.mutex.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Limiter) release() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.running--
	l.wake()
}

// wake lets every waiter check for a slot again, l.mutex must be held.
func (l *Limiter) wake() {
	close(l.released)
	l.released = make(chan struct{})
}

func (l *Limiter) admit(ctx context.Context) error {
	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.gate }()
	if err := ctx.Err(); err != nil {
		return err
	}

	interval := l.CurrentConfig().MinimumInterval
	if !l.lastStart.IsZero() {
		wait := time.Until(l.lastStart.Add(interval))
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	l.lastStart = time.Now()
	return nil
}

// Execute is Do for work that produces a value.
func Execute[T any](ctx context.Context, l *Limiter, work func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = work(ctx)
		return err
	})
	return out, err
}
