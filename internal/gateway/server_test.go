package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/chat"
	"github.com/tOgg1/parley/internal/identity"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/subscription"
	"github.com/tOgg1/parley/internal/testutil"
)

type harness struct {
	svc    *chat.Service
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, auth Authenticator) *harness {
	t.Helper()
	testutil.SkipIfNoNetwork(t)

	_, st := testutil.NewStore(t)
	svc := chat.New(st, chat.Options{})
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	_, err := svc.Register(ctx, models.User{ID: "u1", DisplayName: "Ana"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, models.User{ID: "u2", DisplayName: "Bob"})
	require.NoError(t, err)

	server := NewServer(svc, auth, DefaultConfig())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		ts.Close()
	})
	return &harness{svc: svc, server: server, http: ts}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func request(t *testing.T, ws *websocket.Conn, frame ClientFrame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func next(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame ServerFrame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRejectsUnknownOrMissingUser(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?user=ghost", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStartSendAndLiveInbox(t *testing.T) {
	h := newHarness(t, nil)
	ana := h.dial(t, "user=u1")
	bob := h.dial(t, "user=u2")

	request(t, bob, ClientFrame{ID: "s1", Op: OpSubscribe, Stream: StreamInbox})
	ack := next(t, bob)
	require.Equal(t, FrameAck, ack.Type)
	require.Equal(t, "s1", ack.ID)
	require.NotEmpty(t, ack.SubscriptionID)

	replay := next(t, bob)
	require.Equal(t, FrameChange, replay.Type)
	require.Equal(t, ack.SubscriptionID, replay.SubscriptionID)
	require.Equal(t, subscription.ChangeReplay, replay.Change.Kind)
	require.Empty(t, replay.Change.Entries)

	request(t, ana, ClientFrame{ID: "r1", Op: OpStart, PeerID: "u2"})
	started := next(t, ana)
	require.Equal(t, FrameAck, started.Type)
	require.True(t, started.Created)
	conv := started.Conversation.ID

	seeded := next(t, bob)
	require.Equal(t, subscription.ChangeUpserted, seeded.Change.Kind)
	require.Equal(t, conv, seeded.Change.Entry.ConversationID)

	request(t, ana, ClientFrame{ID: "r2", Op: OpSend, ConversationID: conv, Body: "hello"})
	sent := next(t, ana)
	require.Equal(t, FrameAck, sent.Type)
	require.Equal(t, "hello", sent.Message.Body)

	update := next(t, bob)
	require.Equal(t, subscription.ChangeUpserted, update.Change.Kind)
	require.Equal(t, "hello", update.Change.Entry.LastMessagePreview)
	require.Equal(t, "Ana", update.Change.Entry.PeerDisplayName)

	request(t, bob, ClientFrame{ID: "u1", Op: OpUnsubscribe, SubscriptionID: ack.SubscriptionID})
	unsub := next(t, bob)
	require.Equal(t, FrameAck, unsub.Type)
	require.Equal(t, "u1", unsub.ID)
}

func TestErrorFrames(t *testing.T) {
	h := newHarness(t, nil)
	ana := h.dial(t, "user=u1")

	request(t, ana, ClientFrame{ID: "a", Op: "shout"})
	frame := next(t, ana)
	require.Equal(t, FrameError, frame.Type)
	require.Equal(t, CodeBadRequest, frame.Error.Code)

	request(t, ana, ClientFrame{ID: "b", Op: OpSend, ConversationID: "missing", Body: "x"})
	frame = next(t, ana)
	require.Equal(t, CodeNotFound, frame.Error.Code)

	request(t, ana, ClientFrame{ID: "c", Op: OpStart, PeerID: "u2"})
	started := next(t, ana)
	request(t, ana, ClientFrame{ID: "d", Op: OpSend, ConversationID: started.Conversation.ID, Body: "   "})
	frame = next(t, ana)
	require.Equal(t, "d", frame.ID)
	require.Equal(t, CodeValidation, frame.Error.Code)
	require.Contains(t, frame.Error.Fields, "body")

	request(t, ana, ClientFrame{ID: "e", Op: OpUnsubscribe, SubscriptionID: "nope"})
	frame = next(t, ana)
	require.Equal(t, CodeNotFound, frame.Error.Code)

	require.NoError(t, ana.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = next(t, ana)
	require.Equal(t, CodeBadRequest, frame.Error.Code)
}

func TestTokenAuth(t *testing.T) {
	tokens := identity.NewTokens("0123456789abcdef", time.Hour)
	h := newHarness(t, TokenAuth(tokens))
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url+"?user=u1", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := tokens.Sign("u1")
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer ws.Close()

	request(t, ws, ClientFrame{ID: "s", Op: OpSubscribe, Stream: StreamInbox})
	require.Equal(t, FrameAck, next(t, ws).Type)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "user=u1")

	request(t, ws, ClientFrame{ID: "s", Op: OpSubscribe, Stream: StreamInbox})
	require.Equal(t, FrameAck, next(t, ws).Type)
	require.Equal(t, FrameChange, next(t, ws).Type)
	require.Equal(t, 1, h.server.ConnectionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))
	require.Equal(t, 0, h.server.ConnectionCount())
	require.Equal(t, 0, h.svc.SubscriberCount())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{models.Invalid("body", "required"), CodeValidation},
		{&models.NotFoundError{Kind: "conversation", ID: "c"}, CodeNotFound},
		{&models.NotAuthorizedError{UserID: "u", ConversationID: "c"}, CodeNotAuthorized},
		{&models.TransientStoreError{Op: "put", Path: "p", Err: errors.New("x")}, CodeTransient},
		{&models.PartialFanoutError{Stale: []models.UserID{"u2"}}, CodePartialFanout},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}

	payload := errorPayload(&models.PartialFanoutError{Stale: []models.UserID{"u2"}})
	require.Equal(t, []models.UserID{"u2"}, payload.Stale)
}
