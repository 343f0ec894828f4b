// ABOUTME: Tests for the gateway HTTP API and websocket endpoint over httptest
// ABOUTME: Covers auth, keys, presence, history, threads, reactions, supersession, push fan-out and end-to-end receipts

package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hush-gateway/internal/auth"
	"github.com/2389/hush-gateway/internal/client"
	"github.com/2389/hush-gateway/internal/config"
	"github.com/2389/hush-gateway/internal/e2ee"
	"github.com/2389/hush-gateway/internal/events"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

type testEnv struct {
	gw    *Gateway
	store *store.MockStore
	srv   *httptest.Server
	jwt   *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvTyping(t, 200*time.Millisecond)
}

func newTestEnvTyping(t *testing.T, typingTimeout time.Duration) *testEnv {
	t.Helper()

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
auth:
  jwt_secret: %q
realtime:
  typing_timeout: %s
metrics:
  enabled: true
`, testSecret, typingTimeout)))
	require.NoError(t, err)

	s := store.NewMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := NewWithStore(cfg, s, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})

	return &testEnv{
		gw:    gw,
		store: s,
		srv:   srv,
		jwt:   auth.NewJWTVerifier([]byte(testSecret)),
	}
}

func (e *testEnv) token(t *testing.T, identity string) string {
	t.Helper()
	tok, err := e.jwt.Generate(identity, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *testEnv) thread(t *testing.T, id, kind string, participants ...string) {
	t.Helper()
	require.NoError(t, e.store.CreateThread(context.Background(), &store.Thread{
		ID:           id,
		Kind:         kind,
		Participants: participants,
		CreatedAt:    time.Now(),
	}))
}

func (e *testEnv) api(t *testing.T, identity string) *client.API {
	return client.NewAPI(e.srv.URL, e.token(t, identity))
}

// dial opens a raw websocket as identity and waits until it is registered.
func (e *testEnv) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, e.wsURL(), &websocket.DialOptions{ //nolint:bodyclose // closed by websocket.Dial
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + e.token(t, identity)}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, op string, data any) {
	t.Helper()
	raw, err := protocol.MustFrame(op, data).Encode()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, raw, err := ws.Read(ctx)
	require.NoError(t, err)
	f, err := protocol.Decode(raw)
	require.NoError(t, err)
	return f
}

// readOp skips frames until one with op arrives.
func readOp(t *testing.T, ws *websocket.Conn, op string) protocol.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, ws)
		if f.Op == op {
			return f
		}
	}
	t.Fatalf("no %s frame received", op)
	return protocol.Frame{}
}

func (e *testEnv) waitOnline(t *testing.T, identity string, online bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.gw.Registry().IsOnline(identity) == online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewWithStore_RequiresSecret(t *testing.T) {
	_, err := NewWithStore(&config.Config{}, store.NewMockStore(), nil)
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "alice")
	env.waitOnline(t, "alice", true)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hush_connections_active 1")
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, env.wsURL(), &websocket.DialOptions{ //nolint:bodyclose // closed by websocket.Dial
		HTTPHeader: http.Header{"Authorization": []string{"Bearer not-a-token"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.gw.Registry().Count())
}

func TestWebSocket_ClientDialerUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	d := &client.WSDialer{URL: env.wsURL()}
	_, err := d.Dial(context.Background(), "garbage")
	assert.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestAPI_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/keys?profileIds=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Keys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.api(t, "alice")

	var apiErr *client.APIError
	err := alice.PublishKey(ctx, "not-base64!")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	kp, err := e2ee.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, alice.PublishKey(ctx, kp.PublicKeyString()))

	bob := env.api(t, "bob")
	keys, err := bob.PublicKeys(ctx, "alice", "nobody")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": kp.PublicKeyString()}, keys)

	_, err = bob.PublicKey(ctx, "nobody")
	assert.ErrorIs(t, err, client.ErrKeyNotFound)
}

func TestAPI_Presence(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "alice")
	env.waitOnline(t, "alice", true)

	got, err := env.api(t, "bob").Presence(context.Background(), "alice", "carol")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].ProfileID)
	assert.Equal(t, protocol.PresenceOnline, got[0].Status)
	assert.Equal(t, "carol", got[1].ProfileID)
	assert.Equal(t, protocol.PresenceOffline, got[1].Status)
}

func TestAPI_History(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.Append(ctx, &store.Envelope{
			ID:         fmt.Sprintf("m%d", i),
			ThreadID:   "t1",
			Sender:     "alice",
			Kind:       protocol.KindText,
			Ciphertext: "ct",
			CreatedAt:  time.UnixMilli(int64(1_700_000_000_000 + i)),
		}))
	}

	msgs, err := env.api(t, "bob").History(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	var apiErr *client.APIError
	_, err = env.api(t, "carol").History(ctx, "t1", 0)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	_, err = env.api(t, "bob").History(ctx, "missing", 0)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestWebSocket_ErrorGoesToOriginator(t *testing.T) {
	env := newTestEnv(t)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")
	bob := env.dial(t, "bob")
	env.waitOnline(t, "bob", true)
	alice := env.dial(t, "alice")
	env.waitOnline(t, "alice", true)

	writeFrame(t, alice, protocol.OpReceiptRead, protocol.ReceiptData{MessageIDs: []string{"m1"}})
	f := readOp(t, alice, protocol.OpError)
	var errData protocol.ErrorData
	require.NoError(t, f.Bind(&errData))
	assert.Equal(t, protocol.CodeProtocol, errData.Code)
	assert.Equal(t, protocol.OpReceiptRead, errData.Op)

	// Bob sees alice come online, then her message, and never the error.
	assert.Equal(t, protocol.OpPresenceUpdate, readFrame(t, bob).Op)
	writeFrame(t, alice, protocol.OpSend, protocol.SendData{ThreadID: "t1", Ciphertext: "ct", ClientID: "c1"})
	assert.Equal(t, protocol.OpMessage, readFrame(t, bob).Op)
}

func TestWebSocket_SendEchoAndDeliver(t *testing.T) {
	env := newTestEnv(t)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")
	alice := env.dial(t, "alice")
	env.waitOnline(t, "alice", true)
	bob := env.dial(t, "bob")
	env.waitOnline(t, "bob", true)

	writeFrame(t, alice, protocol.OpSend, protocol.SendData{ThreadID: "t1", Ciphertext: "ct", ClientID: "c1"})

	var echo, delivered protocol.MessageData
	require.NoError(t, readOp(t, alice, protocol.OpMessage).Bind(&echo))
	require.NoError(t, readOp(t, bob, protocol.OpMessage).Bind(&delivered))
	assert.Equal(t, "c1", echo.ClientID)
	assert.Equal(t, echo.ID, delivered.ID)
	assert.Equal(t, "alice", delivered.From)

	writeFrame(t, bob, protocol.OpReceiptDelivered, protocol.ReceiptData{MessageIDs: []string{echo.ID}})
	var status protocol.MessageStatusData
	require.NoError(t, readOp(t, alice, protocol.OpMessageStatus).Bind(&status))
	assert.Equal(t, echo.ID, status.MessageID)
	assert.Equal(t, protocol.StatusDelivered, status.Status)
}

func TestWebSocket_SupersededConnection(t *testing.T) {
	env := newTestEnv(t)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")
	bob := env.dial(t, "bob")
	env.waitOnline(t, "bob", true)

	first := env.dial(t, "alice")
	env.waitOnline(t, "alice", true)
	var update protocol.PresenceUpdateData
	require.NoError(t, readOp(t, bob, protocol.OpPresenceUpdate).Bind(&update))
	assert.Equal(t, protocol.PresenceOnline, update.Status)

	second := env.dial(t, "alice")

	// The evicted socket is closed by the gateway.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			break
		}
	}
	assert.Equal(t, 2, env.gw.Registry().Count())

	// No presence churn was broadcast: bob's next frame is the message.
	writeFrame(t, second, protocol.OpSend, protocol.SendData{ThreadID: "t1", Ciphertext: "ct"})
	assert.Equal(t, protocol.OpMessage, readFrame(t, bob).Op)

	require.NoError(t, second.Close(websocket.StatusNormalClosure, "bye"))
	require.NoError(t, readOp(t, bob, protocol.OpPresenceUpdate).Bind(&update))
	assert.Equal(t, "alice", update.ProfileID)
	assert.Equal(t, protocol.PresenceOffline, update.Status)
	env.waitOnline(t, "alice", false)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(ctx context.Context, recipient string, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recipient+":"+ev.MessageID)
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func TestPushFanout_OfflineRecipients(t *testing.T) {
	env := newTestEnv(t)
	notifier := &recordingNotifier{}
	env.gw.SetPushNotifier(notifier)
	env.thread(t, "g1", store.ThreadKindGroup, "alice", "bob", "carol")

	env.dial(t, "bob")
	env.waitOnline(t, "bob", true)
	alice := env.dial(t, "alice")
	env.waitOnline(t, "alice", true)

	writeFrame(t, alice, protocol.OpSend, protocol.SendData{ThreadID: "g1", Ciphertext: "hi", ClientID: "c1"})
	var echo protocol.MessageData
	require.NoError(t, readOp(t, alice, protocol.OpMessage).Bind(&echo))

	require.Eventually(t, func() bool {
		return len(notifier.recipients()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"carol:" + echo.ID}, notifier.recipients())
}

// peer is one end-to-end client: reconnecting transport plus messenger.
type peer struct {
	client    *client.Client
	messenger *client.Messenger

	mu       sync.Mutex
	messages []client.Message
	statuses []client.StatusUpdate
	threads  []client.Thread
}

func (p *peer) received() []client.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]client.Message(nil), p.messages...)
}

func (p *peer) statusUpdates() []client.StatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]client.StatusUpdate(nil), p.statuses...)
}

func (p *peer) announced() []client.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]client.Thread(nil), p.threads...)
}

func (e *testEnv) newPeer(t *testing.T, identity, threadID, other string) *peer {
	t.Helper()
	ctx := context.Background()

	kp, err := e2ee.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	api := e.api(t, identity)
	require.NoError(t, api.PublishKey(ctx, kp.PublicKeyString()))

	p := &peer{}
	p.client = client.New(client.Options{
		Dialer:  &client.WSDialer{URL: e.wsURL()},
		Backoff: client.Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3},
		Queue:   client.QueueLimits{MaxSize: 10, MaxAge: time.Minute, MaxRetries: 3},
	})
	p.messenger = client.NewMessenger(client.MessengerParams{
		Identity: identity,
		Client:   p.client,
		Engine:   e2ee.NewEngine(kp),
		Keys:     api,
		OnMessage: func(m client.Message) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.messages = append(p.messages, m)
		},
		OnStatus: func(s client.StatusUpdate) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.statuses = append(p.statuses, s)
		},
		OnThread: func(th client.Thread) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.threads = append(p.threads, th)
		},
	})
	p.messenger.AddThread(client.Thread{ID: threadID, Kind: store.ThreadKindDM, Peer: other})
	t.Cleanup(p.client.Disconnect)
	return p
}

func (p *peer) connect(t *testing.T, e *testEnv, identity string) {
	t.Helper()
	require.NoError(t, p.client.Connect(context.Background(), e.token(t, identity)))
	require.Eventually(t, func() bool {
		return p.client.State() == client.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	e.waitOnline(t, identity, true)
}

func TestEndToEnd_DeliveredThenRead(t *testing.T) {
	env := newTestEnv(t)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")

	alice := env.newPeer(t, "alice", "t1", "bob")
	bob := env.newPeer(t, "bob", "t1", "alice")
	alice.connect(t, env, "alice")
	bob.connect(t, env, "bob")

	sent, err := alice.messenger.Send(context.Background(), "t1", "hello")
	require.NoError(t, err)
	assert.Equal(t, client.StatusPending, sent.Status)

	// The gateway only ever stored ciphertext.
	require.Eventually(t, func() bool {
		msgs, err := env.store.ListMessages(context.Background(), "t1", 0)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	stored, err := env.store.ListMessages(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.NotContains(t, stored[0].Ciphertext, "hello")

	require.Eventually(t, func() bool {
		return len(bob.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := bob.received()[0]
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, "alice", got.From)
	assert.False(t, got.Undecryptable)

	require.Eventually(t, func() bool {
		return len(alice.statusUpdates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.messenger.MarkRead("t1"))
	require.Eventually(t, func() bool {
		return len(alice.statusUpdates()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	updates := alice.statusUpdates()
	assert.Equal(t, protocol.StatusDelivered, updates[0].Status)
	assert.Equal(t, protocol.StatusRead, updates[1].Status)
	assert.Equal(t, got.ID, updates[0].MessageID)
	assert.Equal(t, got.ID, updates[1].MessageID)
	assert.Zero(t, alice.messenger.PendingCount())
}

func TestEndToEnd_OfflineSendFlushesOnConnect(t *testing.T) {
	env := newTestEnv(t)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")

	alice := env.newPeer(t, "alice", "t1", "bob")
	bob := env.newPeer(t, "bob", "t1", "alice")
	bob.connect(t, env, "bob")

	_, err := alice.messenger.Send(context.Background(), "t1", "queued")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.client.Outbox().Len())

	alice.connect(t, env, "alice")
	require.Eventually(t, func() bool {
		return len(bob.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "queued", bob.received()[0].Body)
	assert.Equal(t, 0, alice.client.Outbox().Len())
}

func TestWebSocket_SupersedeStopsTyping(t *testing.T) {
	// Expiry is far off, so only the supersede can clear the indicator.
	env := newTestEnvTyping(t, time.Minute)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")
	bob := env.dial(t, "bob")
	env.waitOnline(t, "bob", true)
	first := env.dial(t, "alice")
	env.waitOnline(t, "alice", true)

	writeFrame(t, first, protocol.OpTypingStart, protocol.TypingData{ThreadID: "t1"})
	var typing protocol.TypingUpdateData
	require.NoError(t, readOp(t, bob, protocol.OpTyping).Bind(&typing))
	assert.True(t, typing.IsTyping)

	env.dial(t, "alice")
	require.NoError(t, readOp(t, bob, protocol.OpTyping).Bind(&typing))
	assert.Equal(t, protocol.TypingUpdateData{ThreadID: "t1", ProfileID: "alice", IsTyping: false}, typing)
	assert.False(t, env.gw.typing.IsTyping("t1", "alice"))
}

func TestWebSocket_Reactions(t *testing.T) {
	env := newTestEnv(t)
	env.thread(t, "t1", store.ThreadKindDM, "alice", "bob")
	alice := env.dial(t, "alice")
	env.waitOnline(t, "alice", true)
	bob := env.dial(t, "bob")
	env.waitOnline(t, "bob", true)
	carol := env.dial(t, "carol")
	env.waitOnline(t, "carol", true)

	writeFrame(t, alice, protocol.OpSend, protocol.SendData{ThreadID: "t1", Ciphertext: "ct", ClientID: "c1"})
	var msg protocol.MessageData
	require.NoError(t, readOp(t, alice, protocol.OpMessage).Bind(&msg))

	writeFrame(t, bob, protocol.OpChatReaction, protocol.ReactionData{MessageID: msg.ID, Emoji: "🔥", Action: protocol.ReactionAdd})
	var update protocol.ReactionUpdateData
	require.NoError(t, readOp(t, alice, protocol.OpChatReaction).Bind(&update))
	assert.Equal(t, msg.ID, update.MessageID)
	assert.Equal(t, "t1", update.ThreadID)
	assert.Equal(t, "bob", update.ProfileID)
	assert.Equal(t, "🔥", update.Emoji)
	assert.Equal(t, protocol.ReactionAdd, update.Action)

	// Outsiders are refused and see nothing.
	writeFrame(t, carol, protocol.OpChatReaction, protocol.ReactionData{MessageID: msg.ID, Emoji: "👀", Action: protocol.ReactionAdd})
	var errData protocol.ErrorData
	require.NoError(t, readOp(t, carol, protocol.OpError).Bind(&errData))
	assert.Equal(t, protocol.CodeForbidden, errData.Code)
	assert.Equal(t, protocol.OpChatReaction, errData.Op)

	history, err := env.api(t, "alice").History(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []protocol.ReactionSummary{{Emoji: "🔥", Count: 1, ProfileIDs: []string{"bob"}}}, history[0].Reactions)
}

func TestAPI_CreateThread(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")
	env.waitOnline(t, "bob", true)

	created, err := env.api(t, "alice").CreateThread(context.Background(), "t9", store.ThreadKindDM, "bob")
	require.NoError(t, err)
	assert.Equal(t, "t9", created.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, created.Participants)

	var announced protocol.ThreadData
	require.NoError(t, readOp(t, bob, protocol.OpThreadCreated).Bind(&announced))
	assert.Equal(t, created, announced)

	_, err = env.api(t, "alice").CreateThread(context.Background(), "t9", store.ThreadKindDM, "bob")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = env.api(t, "alice").CreateThread(context.Background(), "", "channel", "bob")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestEndToEnd_AnnouncedThreadDerivesSession(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newPeer(t, "alice", "t1", "bob")
	carol := env.newPeer(t, "carol", "t1", "bob")
	alice.connect(t, env, "alice")
	carol.connect(t, env, "carol")

	_, err := env.api(t, "alice").CreateThread(context.Background(), "t2", store.ThreadKindDM, "carol")
	require.NoError(t, err)

	for _, p := range []*peer{alice, carol} {
		require.Eventually(t, func() bool {
			return len(p.announced()) == 1
		}, 2*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, client.Thread{ID: "t2", Kind: store.ThreadKindDM, Peer: "alice"}, carol.announced()[0])

	_, err = alice.messenger.Send(context.Background(), "t2", "welcome")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(carol.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "welcome", carol.received()[0].Body)
	assert.False(t, carol.received()[0].Undecryptable)
}
