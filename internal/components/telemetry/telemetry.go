package telemetry

import (
	"fmt"
)

// API is what the session components report through instead of logging
// directly, so tests can inject a RecorderAPI and assert on what happened.
//
// note: fault injection point
type API interface {
	// ReportBroken reports a failure someone should look into.
	//
	// `id` names the component and operation, like `authenticator.handshake`
	// or `executor.request`, never the step that failed inside it. A failed
	// consent page load during a handshake is still `authenticator.handshake`,
	// the step goes into params or into the wrapped error. The `report_...`
	// constants next to each component list the ids in use.
	//
	// Ids are lowercase, dots separate a component from its operation and
	// dashes join words, ex. `authenticator.toggle-strategy`. The package
	// prefix comes from ScopedAPI, do not repeat it.
	ReportBroken(id string, params ...any)

	// ReportWarning reports something unexpected that was recovered from, a
	// refused request that led to a strategy toggle for instance. `id`
	// follows ReportBroken.
	ReportWarning(id string, params ...any)

	// ReportDebug is for tracing the flow while developing, it is dropped
	// unless verbose output is on.
	ReportDebug(msg string, params ...any)

	// ReportCount records the current value of something, like the number of
	// cached cookies. Values are samples over time, not increments.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id with a namespace, "<namespace>: <id>".
type ScopedAPI struct {
	namespace string
	inner     API
}

func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

// Scope nests another namespace under this one.
func (s ScopedAPI) Scope(namespace string) ScopedAPI {
	return NewScopedAPI(namespace, s)
}

func (s ScopedAPI) prefix(id string) string {
	return fmt.Sprintf("%s: %s", s.namespace, id)
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.prefix(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.prefix(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.prefix(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.prefix(id), count)
}

// MultiAPI hands every report to each of its APIs in order.
type MultiAPI []API

func (m MultiAPI) ReportBroken(id string, params ...any) {
	for _, api := range m {
		api.ReportBroken(id, params...)
	}
}

func (m MultiAPI) ReportWarning(id string, params ...any) {
	for _, api := range m {
		api.ReportWarning(id, params...)
	}
}

func (m MultiAPI) ReportDebug(msg string, params ...any) {
	for _, api := range m {
		api.ReportDebug(msg, params...)
	}
}

func (m MultiAPI) ReportCount(id string, count int64) {
	for _, api := range m {
		api.ReportCount(id, count)
	}
}
