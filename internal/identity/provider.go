package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

// ChangeFunc receives the new identity; ok is false after sign-out.
type ChangeFunc func(id models.UserID, ok bool)

// Provider exposes the current identity backed by a SessionStore.
// Listeners fire once per transition, never for a repeated sign-in as
// the same user.
type Provider struct {
	store  *SessionStore
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	current   Session
	listeners map[string]ChangeFunc
}

// NewProvider loads the stored session.
func NewProvider(store *SessionStore) (*Provider, error) {
	session, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Provider{
		store:     store,
		logger:    logging.Component("identity"),
		now:       time.Now,
		current:   *session,
		listeners: make(map[string]ChangeFunc),
	}, nil
}

// CurrentIdentity returns the signed-in user, if any.
func (p *Provider) CurrentIdentity() (models.UserID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.UserID, !p.current.IsEmpty()
}

// Session returns a copy of the current session.
func (p *Provider) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// OnIdentityChanged registers fn and returns a func that unregisters it.
func (p *Provider) OnIdentityChanged(fn ChangeFunc) (cancel func()) {
	id := uuid.NewString()
	p.mu.Lock()
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// SignIn persists id as the current identity.
func (p *Provider) SignIn(id models.UserID, displayName string) error {
	next := Session{UserID: id, DisplayName: displayName, SignedInAt: p.now().UTC()}
	if err := p.store.Save(&next); err != nil {
		return err
	}
	p.transition(next)
	return nil
}

// SignOut clears the session.
func (p *Provider) SignOut() error {
	if err := p.store.Clear(); err != nil {
		return err
	}
	p.transition(Session{})
	return nil
}

// Reload re-reads the session file, picking up sign-ins from other
// processes.
func (p *Provider) Reload() error {
	session, err := p.store.Load()
	if err != nil {
		return err
	}
	p.transition(*session)
	return nil
}

func (p *Provider) transition(next Session) {
	p.mu.Lock()
	changed := p.current.UserID != next.UserID
	p.current = next
	var fns []ChangeFunc
	if changed {
		fns = make([]ChangeFunc, 0, len(p.listeners))
		for _, fn := range p.listeners {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info().Str("user_id", string(next.UserID)).Bool("signed_in", !next.IsEmpty()).Msg("identity changed")
	for _, fn := range fns {
		fn(next.UserID, !next.IsEmpty())
	}
}
