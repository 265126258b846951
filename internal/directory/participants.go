// Package directory resolves users and conversations: display names,
// the user registry, and the one conversation per pair of users.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
)

// Participants resolves display names. A resolved name is cached for the
// life of the process; misses and failures are not cached.
type Participants struct {
	store  store.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	names map[models.UserID]string
}

// NewParticipants creates a Participants directory.
func NewParticipants(st store.Store) *Participants {
	return &Participants{
		store:  st,
		logger: logging.Component("directory"),
		names:  make(map[models.UserID]string),
	}
}

// DisplayNameOf returns the display name for id. It returns a
// NotFoundError when the user has no record and a TransientStoreError when
// the lookup fails. Concurrent calls for the same id may each hit the store.
func (p *Participants) DisplayNameOf(ctx context.Context, id models.UserID) (string, error) {
	if !store.ValidSegment(string(id)) {
		return "", models.Invalid("user_id", "a valid user id is required")
	}

	p.mu.RLock()
	name, ok := p.names[id]
	p.mu.RUnlock()
	if ok {
		return name, nil
	}

	path := store.UserPath(id)
	raw, err := p.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return "", &models.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return "", store.Transient("get", path, err)
	}
	user, err := store.DecodeUser(path, raw)
	if err != nil {
		return "", err
	}

	name = user.ResolvedName()
	p.mu.Lock()
	p.names[id] = name
	p.mu.Unlock()

	p.logger.Debug().Str("user_id", string(id)).Msg("resolved display name")
	return name, nil
}

// NameOrID resolves id, falling back to the id itself when the user has no
// record. Other failures are returned.
func (p *Participants) NameOrID(ctx context.Context, id models.UserID) (string, error) {
	name, err := p.DisplayNameOf(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return string(id), nil
	}
	return name, err
}
