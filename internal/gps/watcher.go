package gps

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
)

var (
	// ErrPermissionDenied is reported when the device refuses location access.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrPositionUnavailable is reported when no fix can be obtained.
	ErrPositionUnavailable = errors.New("position unavailable")
	// ErrTimeout is reported when a fix does not arrive in time.
	ErrTimeout = errors.New("position request timed out")
)

// Reading is one message from a position source: a sample or a failure.
type Reading struct {
	Sample Sample
	Err    error
}

// State is the coarse status of a Watcher.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateError  State = "error"
)

// Status is a snapshot of the watcher's state. Reason is set in StateError.
type Status struct {
	State  State
	Reason string
	Last   Result
}

// ErrorReason maps a source failure to the short reason reported in Status.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrPositionUnavailable):
		return "position_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "unknown"
	}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger overrides the watcher logger.
func WithWatcherLogger(logger *log.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithStatusHook registers a callback invoked on every status change.
func WithStatusHook(fn func(Status)) WatcherOption {
	return func(w *Watcher) {
		w.onStatus = fn
	}
}

// Watcher is the single consumer of a position stream. It feeds readings
// through a Filter strictly in arrival order and emits the cumulative
// kilometers after every accepted movement.
type Watcher struct {
	filter   *Filter
	logger   *log.Logger
	onStatus func(Status)

	mu     sync.Mutex
	status Status
}

// NewWatcher constructs an idle Watcher around a fresh Filter.
func NewWatcher(opts ...WatcherOption) *Watcher {
	w := &Watcher{
		filter: NewFilter(),
		logger: log.New(io.Discard, "", 0),
		status: Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes readings until ctx is cancelled or the channel closes. emit is
// called synchronously, so it must not block on slow I/O.
func (w *Watcher) Run(ctx context.Context, readings <-chan Reading, emit func(km float64)) error {
	defer w.setStatus(func(s *Status) { s.State = StateIdle; s.Reason = "" })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reading, ok := <-readings:
			if !ok {
				return nil
			}
			w.handle(reading, emit)
		}
	}
}

func (w *Watcher) handle(reading Reading, emit func(km float64)) {
	if reading.Err != nil {
		reason := ErrorReason(reading.Err)
		positionErrors.WithLabelValues(reason).Inc()
		w.logger.Printf("position error: %v", reading.Err)
		w.setStatus(func(s *Status) { s.State = StateError; s.Reason = reason })
		return
	}

	res := w.filter.Process(reading.Sample)
	w.setStatus(func(s *Status) {
		s.State = StateActive
		s.Reason = ""
		s.Last = res
	})
	if res.Accepted && res.Reason == ReasonAccepted && emit != nil {
		emit(res.TotalKm())
	}
}

func (w *Watcher) setStatus(mutate func(*Status)) {
	w.mu.Lock()
	mutate(&w.status)
	snapshot := w.status
	w.mu.Unlock()
	if w.onStatus != nil {
		w.onStatus(snapshot)
	}
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Filter exposes the underlying filter for reading the track after Run returns.
func (w *Watcher) Filter() *Filter {
	return w.filter
}
