// Package subscription delivers ordered live changes of message logs and
// inboxes to listeners.
//
// Every Manager owns one dispatch loop. Store watches feed the loop, and
// the loop is the only goroutine that updates subscription views or calls
// handlers, so handlers never run concurrently with each other.
package subscription

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
)

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("subscription manager closed")

// ErrNilHandler is returned when Subscribe is given no handler.
var ErrNilHandler = errors.New("handler cannot be nil")

// DefaultBufferSize is the default dispatch queue length.
const DefaultBufferSize = 256

// Handler receives changes for one subscription, on the dispatch loop.
type Handler func(Change)

// Subscription is a live stream registration.
type Subscription interface {
	ID() string
	Key() StreamKey

	// Cancel releases the subscription. Called from outside the handler it
	// waits for a running handler call to return, and no handler call
	// starts after it returns. Called from inside the handler it returns at
	// once and the subscription ends when that call returns. Cancel may be
	// called more than once.
	Cancel()

	// Done is closed once the subscription has ended and no handler call
	// is running. It also closes after a ChangeError delivery.
	Done() <-chan struct{}
}

type job struct {
	sub *sub
	ev  store.Event
}

// Manager multiplexes store watches onto a single dispatch loop.
type Manager struct {
	store  store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*sub
	closed bool

	jobs    chan job
	quit    chan struct{}
	wg      sync.WaitGroup
	loopGID atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBufferSize sets the dispatch queue length.
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.jobs = make(chan job, n)
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over st and starts its dispatch loop.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		logger: logging.Component("subscription"),
		subs:   make(map[string]*sub),
		jobs:   make(chan job, DefaultBufferSize),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.loop()
	return m
}

// Subscribe starts a live subscription. The first change is always a
// ChangeReplay of the full current view; later changes are incremental.
func (m *Manager) Subscribe(key StreamKey, handler Handler) (Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	s := &sub{
		id:      uuid.NewString(),
		key:     key,
		handler: handler,
		manager: m,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.view = newView(key, m.logger.With().Str("stream", key.String()).Str("subscription", s.id).Logger())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.subs[s.id] = s
	m.mu.Unlock()

	w, err := m.store.Watch(key.prefix(), func(ev store.Event) { m.enqueue(s, ev) })
	if err != nil {
		m.remove(s.id)
		if errors.Is(err, store.ErrStoreClosed) {
			return nil, &models.TransientStoreError{Op: "watch", Path: key.prefix(), Err: err}
		}
		return nil, fmt.Errorf("failed to watch %s: %w", key, err)
	}
	s.setWatch(w)

	m.logger.Debug().Str("subscription", s.id).Str("stream", key.String()).Msg("subscribed")
	return s, nil
}

// SubscriberCount returns the number of live subscriptions.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close cancels every subscription and stops the dispatch loop.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*sub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	close(m.quit)
	m.wg.Wait()
}

func (m *Manager) enqueue(s *sub, ev store.Event) {
	select {
	case m.jobs <- job{sub: s, ev: ev}:
	case <-s.stopped:
	case <-m.quit:
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

func (m *Manager) loop() {
	defer m.wg.Done()
	m.loopGID.Store(goid())
	for {
		select {
		case <-m.quit:
			return
		case j := <-m.jobs:
			m.dispatch(j)
		}
	}
}

func (m *Manager) dispatch(j job) {
	s := j.sub
	if s.closed.Load() {
		return
	}
	change, ok := s.view.apply(j.ev)
	if !ok {
		return
	}
	if change.Kind == ChangeError {
		m.logger.Warn().Err(change.Err).Str("subscription", s.id).Str("stream", s.key.String()).
			Msg("subscription ended by store error")
		s.invoke(change)
		s.Cancel()
		return
	}
	s.invoke(change)
}

// sub is the Subscription implementation.
type sub struct {
	id      string
	key     StreamKey
	handler Handler
	manager *Manager
	view    *view

	// callMu is held by the loop for the whole of a handler call.
	callMu    sync.Mutex
	inHandler atomic.Bool
	closed    atomic.Bool

	watchMu sync.Mutex
	watch   store.Watch

	cancelOnce sync.Once
	doneOnce   sync.Once
	stopped    chan struct{}
	done       chan struct{}
}

func (s *sub) ID() string            { return s.id }
func (s *sub) Key() StreamKey        { return s.key }
func (s *sub) Done() <-chan struct{} { return s.done }

func (s *sub) Cancel() {
	s.cancelOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopped)
		s.manager.remove(s.id)

		s.watchMu.Lock()
		w := s.watch
		s.watchMu.Unlock()
		if w != nil {
			w.Cancel()
		}

		// From inside the handler the loop already holds callMu and
		// finishes the subscription when the call returns.
		if s.reentrant() {
			return
		}
		s.callMu.Lock()
		s.finish()
		s.callMu.Unlock()
	})
}

// reentrant reports whether the caller is this subscription's own handler.
func (s *sub) reentrant() bool {
	return s.inHandler.Load() && goid() == s.manager.loopGID.Load()
}

func (s *sub) setWatch(w store.Watch) {
	s.watchMu.Lock()
	s.watch = w
	s.watchMu.Unlock()
	if s.closed.Load() {
		w.Cancel()
	}
}

func (s *sub) invoke(change Change) {
	s.callMu.Lock()
	if s.closed.Load() {
		s.callMu.Unlock()
		return
	}
	s.inHandler.Store(true)
	s.handler(change)
	s.inHandler.Store(false)
	s.callMu.Unlock()

	if s.closed.Load() {
		s.finish()
	}
}

func (s *sub) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// goid returns the calling goroutine's id, parsed from its stack header
// ("goroutine N [running]:").
func goid() uint64 {
	var buf [64]byte
	fields := bytes.Fields(buf[:runtime.Stack(buf[:], false)])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
