// ABOUTME: Websocket endpoint: authenticates, registers the connection and runs its read loop
// ABOUTME: Teardown stops typing and broadcasts offline only for the identity's live connection

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/hush-gateway/internal/auth"
	"github.com/2389/hush-gateway/internal/registry"
)

// maxFrameSize caps a single inbound frame.
const maxFrameSize = 1 << 20

// wsTransport adapts a websocket to registry.Transport.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.ws.Write(ctx, websocket.MessageText, data)
}

// Close starts the close handshake without waiting for the peer, so
// evicting a dead connection never blocks the registry.
func (t *wsTransport) Close(reason string) error {
	go func() {
		_ = t.ws.Close(websocket.StatusNormalClosure, reason)
	}()
	return nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

// handleWebSocket upgrades an authenticated request. The token is checked
// before the upgrade so a bad token never opens a socket.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.Authenticate(r, g.verifier)
	if err != nil {
		g.metrics.AuthFailed()
		g.logger.Warn("rejected websocket", "remote_addr", r.RemoteAddr, "error", err)
		status := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			status = "token expired"
		}
		sendJSONError(w, http.StatusUnauthorized, status)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "profile_id", identity, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	g.serveConn(r.Context(), identity, &wsTransport{ws: ws})
}

// serveConn runs one connection until its transport fails or it is superseded.
func (g *Gateway) serveConn(ctx context.Context, identity string, t *wsTransport) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := registry.NewConn(registry.ConnParams{
		Identity:     identity,
		Transport:    t,
		BufferSize:   g.config.Realtime.SendBuffer,
		WriteTimeout: g.config.Realtime.WriteTimeout,
		Logger:       g.logger,
	})
	prev := g.registry.Register(conn)
	g.metrics.Connected(prev != nil)
	defer g.teardown(conn)

	go func() {
		err := conn.WriteLoop(ctx)
		if err != nil && !errors.Is(err, registry.ErrConnClosed) && !errors.Is(err, context.Canceled) {
			g.logger.Debug("write loop ended", "profile_id", identity, "error", err)
		}
		// A dead writer must also end the read loop.
		cancel()
	}()

	// A reconnect that evicted a live connection is not a presence change,
	// but the evicted socket's typing indicators die with it.
	if prev != nil {
		if stopped := g.typing.StopAll(identity); len(stopped) > 0 {
			g.logger.Debug("stopped typing on supersede", "profile_id", identity, "threads", stopped)
		}
	} else if err := g.presence.Connected(ctx, identity); err != nil {
		g.logger.Warn("presence online broadcast failed", "profile_id", identity, "error", err)
	}

	for {
		data, err := t.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			g.logger.Debug("read loop ended", "profile_id", identity, "close_status", int(status), "error", err)
			return
		}
		g.router.Dispatch(ctx, identity, data)
	}
}

// teardown releases conn. Only the identity's live connection triggers the
// typing stop and the single offline broadcast.
func (g *Gateway) teardown(conn *registry.Conn) {
	conn.Close("connection closed")
	if !g.registry.Unregister(conn) {
		return
	}

	if stopped := g.typing.StopAll(conn.Identity); len(stopped) > 0 {
		g.logger.Debug("stopped typing on disconnect", "profile_id", conn.Identity, "threads", stopped)
	}
	if err := g.presence.Disconnected(context.Background(), conn.Identity); err != nil {
		g.logger.Warn("presence offline broadcast failed", "profile_id", conn.Identity, "error", err)
	}
}
