// Package coreerr defines the error-kind taxonomy shared by every
// coordinator in the capture/processing/transcription pipeline.
package coreerr

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Kind is a coarse error category. Kinds are not types: callers switch on
// Kind, not on the concrete error, so wrapping never loses classification.
type Kind string

const (
	KindResourceExhausted Kind = "resource_exhausted"
	KindTagMismatch       Kind = "tag_mismatch"
	KindDoubleRelease     Kind = "double_release"
	KindLockTimeout       Kind = "lock_timeout"
	KindInvalidTransition Kind = "invalid_transition"
	KindDependencyCycle   Kind = "dependency_cycle"
	KindDuplicateID       Kind = "duplicate_id"
	KindHealthCheckFailed Kind = "health_check_failed"
	KindIOError           Kind = "io_error"
	KindLatencyExceeded   Kind = "latency_budget_exceeded"
	KindStreamLost        Kind = "stream_lost"
	KindDeviceRemoved     Kind = "device_removed"
	KindRateLimited       Kind = "rate_limited"
	KindExternalAPI       Kind = "external_api_error"
	KindShutdown          Kind = "shutdown"
)

// IOSubKind refines KindIOError so callers can distinguish disk-full and
// permission failures from garden-variety I/O errors.
type IOSubKind string

const (
	IONotFound         IOSubKind = "not_found"
	IOPermissionDenied IOSubKind = "permission_denied"
	IODiskFull         IOSubKind = "disk_full"
	IOOther            IOSubKind = "other"
)

// Error is the structured error carried across every component boundary.
// It bundles the full failure context: timestamp, goroutine id
// (best-effort, Go has no stable thread id so the running goroutine's number
// from its stack trace header stands in for it), component id, a free-form state
// snapshot, a free-form resource snapshot, and the full cause chain via
// Unwrap (never flattened to a string).
type Error struct {
	Op        string
	Kind      Kind
	IOSubKind IOSubKind
	Component string
	Timestamp time.Time
	StackID   uint64
	State     any
	Resource  any
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap exposes the cause chain for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Inner }

// Is matches on Kind so callers can do errors.Is(err, coreerr.KindResourceExhausted)
// style checks via the sentinel wrappers below.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// kindSentinel lets callers write errors.Is(err, coreerr.Sentinel(KindShutdown)).
type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return string(s.kind) }

// Sentinel returns a comparable error value for a Kind, for use with errors.Is.
func Sentinel(k Kind) error { return &kindSentinel{kind: k} }

// New builds a context-bundled error for the given operation and kind.
func New(op string, kind Kind, component, msg string) *Error {
	return &Error{
		Op:        op,
		Kind:      kind,
		Component: component,
		Timestamp: time.Now(),
		StackID:   stackID(),
		Msg:       msg,
	}
}

// Wrap attaches op/kind/component context to an existing error without
// discarding it; the original remains reachable through Unwrap.
func Wrap(op string, kind Kind, component string, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{
		Op:        op,
		Kind:      kind,
		Component: component,
		Timestamp: time.Now(),
		StackID:   stackID(),
		Msg:       inner.Error(),
		Inner:     inner,
	}
}

// WithSnapshots attaches component-state and resource-pool snapshots to an
// error before it crosses a component boundary.
func (e *Error) WithSnapshots(state, resource any) *Error {
	e.State = state
	e.Resource = resource
	return e
}

// IsKind reports whether err (or any error in its chain) carries Kind k.
func IsKind(err error, k Kind) bool {
	var s *kindSentinel
	if errors.As(err, &s) && s.kind == k {
		return true
	}
	return errors.Is(err, Sentinel(k))
}

// stackID derives a cheap per-goroutine identifier from the running
// goroutine's stack trace header ("goroutine N [...]").
// Go intentionally exposes no public goroutine id; this is a best-effort
// stand-in sufficient for correlating log lines within one run, not a
// durable identity.
func stackID() uint64 {
	const prefix = "goroutine "
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	if n <= len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var id uint64
	for _, c := range buf[len(prefix):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
