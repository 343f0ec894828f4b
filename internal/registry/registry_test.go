// ABOUTME: Tests for the connection registry and per-connection writer.
// ABOUTME: Covers eviction, stale unregister, offline sends and backpressure.

package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/registry"
	"github.com/2389/hush-gateway/internal/registry/registrytest"
)

func testFrame(t *testing.T) protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(protocol.OpTyping, protocol.TypingUpdateData{ThreadID: "t1", ProfileID: "alice", IsTyping: true})
	require.NoError(t, err)
	return f
}

func TestRegistry_LastWriterWins(t *testing.T) {
	reg := registry.New(slog.Default())

	c1, tr1 := registrytest.Connect(t, reg, "alice")
	assert.True(t, reg.IsOnline("alice"))

	c2, tr2 := registrytest.Connect(t, reg, "alice")

	closed, reason := tr1.Closed()
	assert.True(t, closed, "first connection should be evicted")
	assert.Equal(t, registry.ReasonSuperseded, reason)
	assert.True(t, c1.Closed())

	got, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Same(t, c2, got)
	assert.Equal(t, 1, reg.Count())

	// Late teardown of the evicted connection leaves the new one in place.
	assert.False(t, reg.Unregister(c1))
	assert.True(t, reg.IsOnline("alice"))

	require.True(t, reg.Send("alice", testFrame(t)))
	registrytest.WaitForOp(t, tr2, protocol.OpTyping, 1)
	assert.Empty(t, tr1.Frames())
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	reg := registry.New(nil)
	c, _ := registrytest.Connect(t, reg, "bob")

	assert.True(t, reg.Unregister(c))
	assert.False(t, reg.Unregister(c))
	assert.False(t, reg.IsOnline("bob"))
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_SendOffline(t *testing.T) {
	reg := registry.New(nil)
	assert.False(t, reg.Send("nobody", testFrame(t)))
}

func TestRegistry_Identities(t *testing.T) {
	reg := registry.New(nil)
	registrytest.Connect(t, reg, "carol")
	registrytest.Connect(t, reg, "alice")
	registrytest.Connect(t, reg, "bob")

	assert.Equal(t, []string{"alice", "bob", "carol"}, reg.Identities())

	reg.CloseAll("shutdown")
	assert.Equal(t, 0, reg.Count())
}

func TestConn_EnqueueBackpressure(t *testing.T) {
	tr := &registrytest.Transport{}
	conn := registry.NewConn(registry.ConnParams{Identity: "alice", Transport: tr, BufferSize: 2})

	// No write loop running: the queue fills and further frames are refused.
	assert.True(t, conn.Enqueue([]byte(`{"op":"a"}`)))
	assert.True(t, conn.Enqueue([]byte(`{"op":"b"}`)))
	assert.False(t, conn.Enqueue([]byte(`{"op":"c"}`)))

	conn.Close("test")
	assert.False(t, conn.Enqueue([]byte(`{"op":"d"}`)))
}

func TestConn_WriteFailureCloses(t *testing.T) {
	tr := &registrytest.Transport{WriteErr: errors.New("broken pipe")}
	conn := registry.NewConn(registry.ConnParams{Identity: "alice", Transport: tr})

	require.True(t, conn.Enqueue([]byte(`{"op":"typing","data":{}}`)))
	err := conn.WriteLoop(context.Background())
	require.Error(t, err)
	assert.True(t, conn.Closed())

	closed, _ := tr.Closed()
	assert.True(t, closed)
}

func TestConn_WriteLoopStopsOnClose(t *testing.T) {
	tr := &registrytest.Transport{}
	conn := registry.NewConn(registry.ConnParams{Identity: "alice", Transport: tr})

	errCh := make(chan error, 1)
	go func() { errCh <- conn.WriteLoop(context.Background()) }()

	conn.Close("bye")
	conn.Close("again") // second close is a no-op

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, registry.ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("write loop did not stop")
	}
	_, reason := tr.Closed()
	assert.Equal(t, "bye", reason)
}

func TestRegistry_ConcurrentIdentities(t *testing.T) {
	reg := registry.New(nil)
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tr := &registrytest.Transport{}
			for i := 0; i < 20; i++ {
				c := registry.NewConn(registry.ConnParams{Identity: id, Transport: tr})
				reg.Register(c)
				if i%2 == 0 {
					reg.Unregister(c)
				}
			}
		}(id)
	}
	wg.Wait()

	// The last iteration (i=19) leaves every identity registered.
	assert.Equal(t, len(ids), reg.Count())
}
