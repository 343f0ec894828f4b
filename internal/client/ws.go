// ABOUTME: coder/websocket implementation of the client Dialer and Conn
// ABOUTME: Sends the bearer token in the handshake and maps 401 to ErrUnauthorized

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit caps a single inbound frame.
const DefaultReadLimit = 1 << 20

// WSDialer dials the gateway websocket endpoint.
type WSDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial opens the socket with token as a bearer credential.
func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	}
	conn, resp, err := websocket.Dial(ctx, d.URL, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dialing %s: %w", d.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

// wsConn carries JSON frames as text messages.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
