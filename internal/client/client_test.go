// ABOUTME: Tests for the reconnecting client state machine
// ABOUTME: Connect, flush, reconnect schedule, disconnect cancellation and offline sends

package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hush-gateway/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestConnect_OpensAndNotifies(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)
	rec := &statusRecorder{}
	c.OnStatus(rec.record)

	require.NoError(t, c.Connect(context.Background(), "tok"))

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []State{StateConnecting, StateConnected}, rec.all())
	assert.Equal(t, []string{"tok"}, d.tokens)
}

func TestConnect_NoopWhenConnected(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeScheduler{})

	require.NoError(t, c.Connect(context.Background(), "tok"))
	require.NoError(t, c.Connect(context.Background(), "tok"))

	assert.Equal(t, 1, d.dials())
}

func TestSend_WritesImmediatelyWhenConnected(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeScheduler{})
	require.NoError(t, c.Connect(context.Background(), "tok"))

	require.NoError(t, c.Send(sendFrame("hi")))

	frames := d.last().waitFrames(t, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "hi", bodyOf(t, frames[0]))
	assert.Zero(t, c.Outbox().Len())
}

func TestSend_QueuesWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeScheduler{})

	for i := 1; i <= 3; i++ {
		require.NoError(t, c.Send(sendFrame(fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, 3, c.Outbox().Len())

	require.NoError(t, c.Connect(context.Background(), "tok"))

	frames := d.last().frames()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), bodyOf(t, f))
	}
	assert.Zero(t, c.Outbox().Len())
}

func TestSend_ControlOpsDroppedOffline(t *testing.T) {
	c := newTestClient(t, &fakeDialer{}, &fakeScheduler{})

	for _, op := range []string{protocol.OpTypingStart, protocol.OpReceiptDelivered, protocol.OpReceiptRead, protocol.OpPresence} {
		err := c.Send(protocol.Frame{Op: op})
		assert.ErrorIs(t, err, ErrNotConnected, op)
	}
	assert.Zero(t, c.Outbox().Len())
}

func TestSend_WriteFailureQueues(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeScheduler{})
	require.NoError(t, c.Connect(context.Background(), "tok"))
	conn := d.last()
	conn.setWriteErr(errors.New("broken pipe"))

	require.NoError(t, c.Send(sendFrame("hi")))

	require.Eventually(t, func() bool { return c.Outbox().Len() == 1 && conn.isClosed() }, waitFor, tick)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSend_DoesNotBlockOnStalledTransport(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := New(Options{
		Dialer:       d,
		Backoff:      testBackoff,
		Queue:        QueueLimits{MaxSize: 100, MaxAge: 5 * time.Minute, MaxRetries: 3},
		WriteTimeout: 2 * time.Second,
		BufferSize:   2,
		AfterFunc:    s.AfterFunc,
	})
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect(context.Background(), "tok"))
	stalled := d.last()
	stalled.stalled.Store(true)

	start := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, c.Send(sendFrame(fmt.Sprintf("m%d", i))))
		if i == 1 {
			// Let the writer pick up m1 and block on it.
			require.Eventually(t, func() bool { return len(c.out) == 0 }, waitFor, tick)
		}
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Overflow tears the connection down and keeps every send, in order.
	assert.ErrorIs(t, c.Send(protocol.Frame{Op: protocol.OpTypingStart}), ErrNotConnected)
	require.Eventually(t, func() bool { return c.Outbox().Len() == 5 && stalled.isClosed() }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, queueBodies(t, c.Outbox()))
	require.Eventually(t, func() bool { return len(s.scheduled()) == 1 }, waitFor, tick)

	require.True(t, s.fireLast())
	frames := d.last().frames()
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), bodyOf(t, f))
	}
}

func TestReconnect_Schedule(t *testing.T) {
	d := &fakeDialer{fail: errors.New("refused")}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)

	err := c.Connect(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())

	for s.fireLast() {
	}

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}, s.scheduled())
	assert.Equal(t, 1+testBackoff.MaxAttempts, d.dials())
	assert.Equal(t, testBackoff.MaxAttempts, c.Attempts())
}

func TestReconnect_AfterRemoteClose(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)
	rec := &statusRecorder{}
	c.OnStatus(rec.record)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	first := d.last()
	first.Close("server gone")

	require.Eventually(t, func() bool { return len(s.scheduled()) == 1 }, waitFor, tick)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, time.Second, s.scheduled()[0])

	// Sends during the outage are queued and flushed on reconnect.
	require.NoError(t, c.Send(sendFrame("offline")))

	require.True(t, s.fireLast())
	assert.Equal(t, StateConnected, c.State())
	assert.Zero(t, c.Attempts())
	assert.NotSame(t, first, d.last())
	require.Len(t, d.last().frames(), 1)
	assert.Equal(t, "offline", bodyOf(t, d.last().frames()[0]))

	assert.Equal(t, []State{
		StateConnecting, StateConnected,
		StateDisconnected,
		StateConnecting, StateConnected,
	}, rec.all())
}

func TestReconnect_SinglePendingTimer(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	d.last().Close("drop")
	require.Eventually(t, func() bool { return len(s.scheduled()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, s.active())

	// An explicit connect replaces the scheduled one.
	require.NoError(t, c.Connect(context.Background(), "tok"))
	assert.Zero(t, s.active())
	assert.Equal(t, StateConnected, c.State())
}

func TestDisconnect_CancelsReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	d.last().Close("drop")
	require.Eventually(t, func() bool { return s.active() == 1 }, waitFor, tick)

	c.Disconnect()

	assert.Zero(t, s.active())
	assert.False(t, s.fireLast())
	assert.Equal(t, testBackoff.MaxAttempts, c.Attempts())
	assert.Equal(t, 1, d.dials())
}

func TestDisconnect_ClosesWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)
	rec := &statusRecorder{}
	c.OnStatus(rec.record)
	require.NoError(t, c.Connect(context.Background(), "tok"))
	conn := d.last()

	c.Disconnect()

	assert.True(t, conn.isClosed())
	assert.Equal(t, StateDisconnected, c.State())
	// The read loop exiting must not schedule anything.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.scheduled())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, rec.all())

	// Connect works again after an explicit disconnect.
	require.NoError(t, c.Connect(context.Background(), "tok"))
	assert.Equal(t, StateConnected, c.State())
}

func TestConnect_UnauthorizedDoesNotRetry(t *testing.T) {
	d := &fakeDialer{fail: fmt.Errorf("dialing: %w", ErrUnauthorized)}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)

	err := c.Connect(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, s.scheduled())
}

func TestConnect_RecoversAfterFailedDials(t *testing.T) {
	d := &fakeDialer{errs: []error{errors.New("refused"), errors.New("refused")}}
	s := &fakeScheduler{}
	c := newTestClient(t, d, s)

	require.Error(t, c.Connect(context.Background(), "tok"))
	require.True(t, s.fireLast())
	assert.Equal(t, 2, c.Attempts())
	require.True(t, s.fireLast())

	assert.Equal(t, StateConnected, c.State())
	assert.Zero(t, c.Attempts())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.scheduled())
}

func TestOnFrame_DeliversInOrder(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeScheduler{})

	got := make(chan protocol.Frame, 4)
	c.OnFrame(func(f protocol.Frame) { got <- f })
	require.NoError(t, c.Connect(context.Background(), "tok"))

	conn := d.last()
	conn.in <- []byte("not json")
	conn.push(t, protocol.OpTyping, protocol.TypingUpdateData{ThreadID: "t1", ProfileID: "bob", IsTyping: true})
	conn.push(t, protocol.OpTyping, protocol.TypingUpdateData{ThreadID: "t1", ProfileID: "bob", IsTyping: false})

	for _, want := range []bool{true, false} {
		select {
		case f := <-got:
			var data protocol.TypingUpdateData
			require.NoError(t, f.Bind(&data))
			assert.Equal(t, want, data.IsTyping)
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for frame")
		}
	}
}
