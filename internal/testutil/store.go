// Package testutil holds shared fixtures for parley tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/store"
)

// NewStore opens a migrated in-memory store closed at test cleanup.
func NewStore(t *testing.T) (*db.DB, *db.NodeRepository) {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := database.MigrateUp(context.Background()); err != nil {
		database.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database, db.NewNodeRepository(database)
}

// ErrInjected is the error FaultStore returns for a matched operation.
var ErrInjected = errors.New("injected store failure")

// FaultStore wraps a store.Store and fails chosen operations.
type FaultStore struct {
	store.Store

	mu        sync.Mutex
	putFaults map[string]error
	getFaults map[string]error
	getDelay  time.Duration
	getCalls  map[string]int
}

// NewFaultStore wraps inner.
func NewFaultStore(inner store.Store) *FaultStore {
	return &FaultStore{
		Store:     inner,
		putFaults: make(map[string]error),
		getFaults: make(map[string]error),
		getCalls:  make(map[string]int),
	}
}

// FailPut makes Put and Create fail for any path starting with prefix.
func (f *FaultStore) FailPut(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFaults[prefix] = err
}

// FailGet makes Get fail for any path starting with prefix.
func (f *FaultStore) FailGet(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFaults[prefix] = err
}

// SlowGet delays every Get by d.
func (f *FaultStore) SlowGet(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getDelay = d
}

// Heal clears every injected fault.
func (f *FaultStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFaults = make(map[string]error)
	f.getFaults = make(map[string]error)
	f.getDelay = 0
}

// GetCalls reports how many times Get was called for path.
func (f *FaultStore) GetCalls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[path]
}

func (f *FaultStore) match(faults map[string]error, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, err := range faults {
		if strings.HasPrefix(path, prefix) {
			return err
		}
	}
	return nil
}

func (f *FaultStore) Put(ctx context.Context, path string, value []byte) error {
	if err := f.match(f.putFaults, path); err != nil {
		return err
	}
	return f.Store.Put(ctx, path, value)
}

func (f *FaultStore) Create(ctx context.Context, path string, value []byte) (bool, error) {
	if err := f.match(f.putFaults, path); err != nil {
		return false, err
	}
	return f.Store.Create(ctx, path, value)
}

func (f *FaultStore) Get(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	f.getCalls[path]++
	delay := f.getDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := f.match(f.getFaults, path); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, path)
}
