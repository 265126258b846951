package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
)

// Users is the users/{id} registry used to find chat partners.
type Users struct {
	store store.Store
	now   func() time.Time
}

// NewUsers creates a Users registry.
func NewUsers(st store.Store) *Users {
	return &Users{store: st, now: time.Now}
}

// Register stores a new user record. An empty ID gets a random one.
// Registering an existing id fails with ErrAlreadyExists.
func (u *Users) Register(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		user.ID = models.UserID(uuid.NewString())
	}
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	user.Email = strings.TrimSpace(user.Email)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = u.now().UTC()
	}
	if err := user.Validate(); err != nil {
		return models.User{}, err
	}

	path := store.UserPath(user.ID)
	raw, err := store.Encode(user)
	if err != nil {
		return models.User{}, err
	}
	created, err := u.store.Create(ctx, path, raw)
	if err != nil {
		return models.User{}, store.Transient("create", path, err)
	}
	if !created {
		return models.User{}, fmt.Errorf("user %s: %w", user.ID, models.ErrAlreadyExists)
	}
	return user, nil
}

// Get reads one user record.
func (u *Users) Get(ctx context.Context, id models.UserID) (models.User, error) {
	if !store.ValidSegment(string(id)) {
		return models.User{}, models.Invalid("user_id", "a valid user id is required")
	}
	path := store.UserPath(id)
	raw, err := u.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, &models.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return models.User{}, store.Transient("get", path, err)
	}
	return store.DecodeUser(path, raw)
}

// List returns users other than exclude whose name or email contains
// query, case-insensitively, sorted by resolved name. Malformed records
// are skipped.
func (u *Users) List(ctx context.Context, exclude models.UserID, query string) ([]models.User, error) {
	entries, err := u.store.List(ctx, store.UsersPrefix())
	if err != nil {
		return nil, store.Transient("list", store.UsersPrefix(), err)
	}

	query = strings.ToLower(strings.TrimSpace(query))
	users := make([]models.User, 0, len(entries))
	for _, e := range entries {
		user, err := store.DecodeUser(e.Path, e.Value)
		if err != nil {
			continue
		}
		if user.ID == exclude {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(user.DisplayName), query) &&
			!strings.Contains(strings.ToLower(user.Email), query) {
			continue
		}
		users = append(users, user)
	}

	sort.SliceStable(users, func(i, j int) bool {
		ni, nj := strings.ToLower(users[i].ResolvedName()), strings.ToLower(users[j].ResolvedName())
		if ni != nj {
			return ni < nj
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}
