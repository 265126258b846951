package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
	"github.com/tOgg1/parley/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []Change
	signal  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 128)}
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func (r *recorder) waitFor(t *testing.T, n int) []Change {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := r.all(); len(got) >= n {
			return got
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d changes, got %d", n, len(r.all()))
		}
	}
}

func putMessage(t *testing.T, st store.Store, conv models.ConversationID, id models.MessageID, body string, at time.Time) {
	t.Helper()
	msg := models.Message{ID: id, ConversationID: conv, SenderID: "u1", Body: body, SentAt: at}
	raw, err := store.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), store.MessagePath(conv, id), raw))
}

func putEntry(t *testing.T, st store.Store, owner models.UserID, conv models.ConversationID, preview string, at time.Time) {
	t.Helper()
	entry := models.NewInboxEntry(owner, conv, models.InboxSummary{
		LastMessageAt:      at,
		LastMessagePreview: preview,
		LastSenderID:       "u2",
		PeerDisplayName:    "Bob",
	})
	raw, err := store.Encode(entry)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), store.InboxPath(owner, conv), raw))
}

func messageIDs(messages []models.Message) []models.MessageID {
	ids := make([]models.MessageID, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestSubscribeReplaysThenDeliversIncrementally(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	putMessage(t, st, "c1", "m1", "one", base)
	putMessage(t, st, "c1", "m2", "two", base.Add(time.Second))

	rec := newRecorder()
	sub, err := m.Subscribe(MessagesKey("c1"), rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	changes := rec.waitFor(t, 1)
	require.Equal(t, ChangeReplay, changes[0].Kind)
	require.Equal(t, []models.MessageID{"m1", "m2"}, messageIDs(changes[0].Messages))

	putMessage(t, st, "c1", "m3", "three", base.Add(2*time.Second))
	changes = rec.waitFor(t, 2)
	require.Equal(t, ChangeAdded, changes[1].Kind)
	require.Equal(t, models.MessageID("m3"), changes[1].Message.ID)
	require.Equal(t, 2, changes[1].Index)
	require.Equal(t, []models.MessageID{"m1", "m2", "m3"}, messageIDs(changes[1].Messages))
}

func TestSubscribeOrdersSkewedMessages(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	putMessage(t, st, "c1", "m2", "later", base.Add(time.Minute))

	rec := newRecorder()
	sub, err := m.Subscribe(MessagesKey("c1"), rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()
	rec.waitFor(t, 1)

	// A sender with a slow clock appends after, but sorts before.
	putMessage(t, st, "c1", "m1", "earlier", base)
	changes := rec.waitFor(t, 2)
	require.Equal(t, 0, changes[1].Index)
	require.Equal(t, []models.MessageID{"m1", "m2"}, messageIDs(changes[1].Messages))
}

func TestSubscribeIgnoresRewrittenMessages(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	rec := newRecorder()
	sub, err := m.Subscribe(MessagesKey("c1"), rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()
	rec.waitFor(t, 1)

	putMessage(t, st, "c1", "m1", "one", base)
	putMessage(t, st, "c1", "m1", "one", base)
	putMessage(t, st, "c1", "m2", "two", base.Add(time.Second))

	rec.waitFor(t, 3)
	time.Sleep(100 * time.Millisecond)
	changes := rec.all()
	require.Len(t, changes, 3)
	require.Equal(t, models.MessageID("m2"), changes[2].Message.ID)
}

func TestSubscribeSkipsMalformedRecords(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.MessagePath("c1", "bad"), []byte(`{"id":"bad"}`)))
	putMessage(t, st, "c1", "m1", "one", base)

	rec := newRecorder()
	sub, err := m.Subscribe(MessagesKey("c1"), rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	changes := rec.waitFor(t, 1)
	require.Equal(t, []models.MessageID{"m1"}, messageIDs(changes[0].Messages))

	require.NoError(t, st.Put(ctx, store.MessagePath("c1", "bad2"), []byte(`not json`)))
	putMessage(t, st, "c1", "m2", "two", base.Add(time.Second))
	changes = rec.waitFor(t, 2)
	require.Equal(t, models.MessageID("m2"), changes[1].Message.ID)
}

func TestInboxSubscriptionMovesUpdatedEntry(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	putEntry(t, st, "u1", "c1", "old", base)
	putEntry(t, st, "u1", "c2", "newer", base.Add(time.Minute))
	putEntry(t, st, "u10", "c9", "someone else", base.Add(time.Hour))

	rec := newRecorder()
	sub, err := m.Subscribe(InboxKey("u1"), rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	changes := rec.waitFor(t, 1)
	require.Len(t, changes[0].Entries, 2)
	require.Equal(t, models.ConversationID("c2"), changes[0].Entries[0].ConversationID)

	putEntry(t, st, "u1", "c1", "newest", base.Add(2*time.Minute))
	changes = rec.waitFor(t, 2)
	require.Equal(t, ChangeUpserted, changes[1].Kind)
	require.Equal(t, 1, changes[1].Previous)
	require.Equal(t, 0, changes[1].Index)
	require.Equal(t, "newest", changes[1].Entries[0].LastMessagePreview)
	require.Len(t, changes[1].Entries, 2)
}

func TestIndependentSubscriptionsDoNotInterfere(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	first, second := newRecorder(), newRecorder()
	subA, err := m.Subscribe(MessagesKey("c1"), first.handle)
	require.NoError(t, err)
	subB, err := m.Subscribe(MessagesKey("c1"), second.handle)
	require.NoError(t, err)
	defer subB.Cancel()

	first.waitFor(t, 1)
	second.waitFor(t, 1)
	require.Equal(t, 2, m.SubscriberCount())

	subA.Cancel()
	putMessage(t, st, "c1", "m1", "one", base)

	changes := second.waitFor(t, 2)
	require.Equal(t, models.MessageID("m1"), changes[1].Message.ID)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, first.all(), 1)
	require.Equal(t, 1, m.SubscriberCount())
}

func TestCancelInsideHandlerStopsFurtherCalls(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	var (
		mu    sync.Mutex
		calls int
		sub   Subscription
	)
	ready := make(chan struct{})
	replayed := make(chan struct{})
	handler := func(c Change) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		if c.Kind == ChangeReplay {
			close(replayed)
		}
		if c.Kind == ChangeAdded {
			sub.Cancel()
		}
	}

	var err error
	sub, err = m.Subscribe(MessagesKey("c1"), handler)
	require.NoError(t, err)
	close(ready)
	<-replayed

	putMessage(t, st, "c1", "m1", "one", base)
	putMessage(t, st, "c1", "m2", "two", base.Add(time.Second))
	putMessage(t, st, "c1", "m3", "three", base.Add(2*time.Second))

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not finish")
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestCancelFromAnotherGoroutineWaitsForDone(t *testing.T) {
	_, st := testutil.NewStore(t)
	m := NewManager(st)
	defer m.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	sub, err := m.Subscribe(MessagesKey("c1"), func(c Change) {
		calls++
		if calls == 1 {
			close(entered)
			<-release
		}
	})
	require.NoError(t, err)

	<-entered
	cancelled := make(chan struct{})
	go func() {
		sub.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a handler call was running")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-sub.Done():
		t.Fatal("done closed while a handler call was running")
	default:
	}
	close(release)
	<-cancelled
	<-sub.Done()

	putMessage(t, st, "c1", "m1", "one", base)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, calls)
}

// manualStore lets tests drive watch events directly.
func TestCancelRacingDispatchNeverCallsAfterReturn(t *testing.T) {
	for i := 0; i < 20; i++ {
		st := &manualStore{}
		m := NewManager(st)

		var cancelReturned, late atomic.Bool
		sub, err := m.Subscribe(InboxKey("u1"), func(Change) {
			if cancelReturned.Load() {
				late.Store(true)
			}
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				st.emit(store.Event{Kind: store.EventSnapshot})
			}
		}()
		time.Sleep(time.Duration(i%5) * 100 * time.Microsecond)
		sub.Cancel()
		cancelReturned.Store(true)

		wg.Wait()
		m.Close()
		require.False(t, late.Load(), "handler ran after Cancel returned (round %d)", i)
	}
}

type manualStore struct {
	store.Store

	mu       sync.Mutex
	handlers []store.WatchHandler
	watchErr error
}

type manualWatch struct{}

func (manualWatch) Cancel() {}

func (s *manualStore) Watch(prefix string, handler store.WatchHandler) (store.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	s.handlers = append(s.handlers, handler)
	return manualWatch{}, nil
}

func (s *manualStore) emit(ev store.Event) {
	s.mu.Lock()
	handlers := append([]store.WatchHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func TestStoreErrorSurfacesOnceAndEnds(t *testing.T) {
	st := &manualStore{}
	m := NewManager(st)
	defer m.Close()

	rec := newRecorder()
	sub, err := m.Subscribe(InboxKey("u1"), rec.handle)
	require.NoError(t, err)

	boom := errors.New("permission denied")
	st.emit(store.Event{Kind: store.EventSnapshot})
	st.emit(store.Event{Kind: store.EventError, Err: boom})

	changes := rec.waitFor(t, 2)
	require.Equal(t, ChangeError, changes[1].Kind)
	require.ErrorIs(t, changes[1].Err, boom)
	require.True(t, models.IsTransient(changes[1].Err))

	<-sub.Done()
	go st.emit(store.Event{Kind: store.EventError, Err: boom})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, rec.all(), 2)
	require.Equal(t, 0, m.SubscriberCount())
}

func TestSubscribeValidation(t *testing.T) {
	st := &manualStore{}
	m := NewManager(st)

	_, err := m.Subscribe(MessagesKey(""), func(Change) {})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = m.Subscribe(InboxKey("a/b"), func(Change) {})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = m.Subscribe(InboxKey("u1"), nil)
	require.ErrorIs(t, err, ErrNilHandler)

	st.watchErr = store.ErrStoreClosed
	_, err = m.Subscribe(InboxKey("u1"), func(Change) {})
	require.True(t, models.IsTransient(err))
	require.Equal(t, 0, m.SubscriberCount())

	m.Close()
	_, err = m.Subscribe(InboxKey("u1"), func(Change) {})
	require.ErrorIs(t, err, ErrManagerClosed)
}
