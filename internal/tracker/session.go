package tracker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/fittrack/internal/api"
	"example.com/fittrack/internal/gps"
)

const stopTimeout = 10 * time.Second

// API is the subset of Client a Session needs.
type API interface {
	Start(ctx context.Context, name string) (*api.ActivityView, error)
	UpdateDistance(ctx context.Context, km float64) (*api.ActivityView, error)
	Stop(ctx context.Context, km *float64, notes *string) (*api.ActivityView, error)
}

// Option customises a Session.
type Option func(*Session)

// WithLogger overrides the session logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStatusHook receives every GPS watcher status change.
func WithStatusHook(fn func(gps.Status)) Option {
	return func(s *Session) {
		s.onStatus = fn
	}
}

// WithNotes attaches notes to the finalized activity.
func WithNotes(notes string) Option {
	return func(s *Session) {
		s.notes = &notes
	}
}

// Session runs one tracked workout: start, filtered distance pushes, stop.
type Session struct {
	api      API
	name     string
	notes    *string
	logger   *log.Logger
	onStatus func(gps.Status)

	mu        sync.Mutex
	pushed    int
	pushFails int
}

// Summary is what a finished session produced.
type Summary struct {
	Activity   *api.ActivityView
	DistanceKm float64
	Pushed     int
	PushFails  int
	Filter     *gps.Filter
}

// NewSession prepares a session named name.
func NewSession(client API, name string, opts ...Option) *Session {
	s := &Session{
		api:    client,
		name:   name,
		logger: log.New(log.Writer(), "[tracker] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the session, feeds readings through a gps.Watcher until the
// channel closes or ctx is cancelled, then stops the session with the
// filtered distance. Distance pushes are fire-and-forget: a failed push is
// logged and superseded by the next one.
func (s *Session) Run(ctx context.Context, readings <-chan gps.Reading) (*Summary, error) {
	started, err := s.api.Start(ctx, s.name)
	if err != nil {
		return nil, fmt.Errorf("start tracking: %w", err)
	}
	s.logger.Printf("tracking %q started (id=%s)", started.Name, started.ID)

	pending := make(chan float64, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.push(context.WithoutCancel(ctx), pending)
	}()

	watcherOpts := []gps.WatcherOption{gps.WithWatcherLogger(s.logger)}
	if s.onStatus != nil {
		watcherOpts = append(watcherOpts, gps.WithStatusHook(s.onStatus))
	}
	watcher := gps.NewWatcher(watcherOpts...)
	_ = watcher.Run(ctx, readings, latest(pending))

	close(pending)
	wg.Wait()

	km := watcher.Filter().TotalM() / 1000
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopped, err := s.api.Stop(stopCtx, &km, s.notes)
	if err != nil {
		return nil, fmt.Errorf("stop tracking: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &Summary{
		Activity:   stopped,
		DistanceKm: km,
		Pushed:     s.pushed,
		PushFails:  s.pushFails,
		Filter:     watcher.Filter(),
	}, nil
}

func (s *Session) push(ctx context.Context, pending <-chan float64) {
	for km := range pending {
		pushCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		_, err := s.api.UpdateDistance(pushCtx, km)
		cancel()

		s.mu.Lock()
		if err != nil {
			s.pushFails++
		} else {
			s.pushed++
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Printf("distance push failed (%.3f km): %v", km, err)
		}
	}
}

// latest returns an emitter that never blocks the watcher: a value still
// waiting to be pushed is replaced by the newer total.
func latest(pending chan float64) func(km float64) {
	return func(km float64) {
		for {
			select {
			case pending <- km:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	}
}
