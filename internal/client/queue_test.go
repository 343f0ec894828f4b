// ABOUTME: Tests for the bounded outbound queue
// ABOUTME: Size, age and retry eviction plus ordered flush

package client

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hush-gateway/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func queueBodies(t *testing.T, o *Outbox) []string {
	t.Helper()
	var out []string
	for _, item := range o.Snapshot() {
		out = append(out, bodyOf(t, item.Frame))
	}
	return out
}

func TestOutbox_KeepsNewestOnOverflow(t *testing.T) {
	o := NewOutbox(QueueLimits{MaxSize: 3}, nil)
	for i := 1; i <= 4; i++ {
		o.Enqueue(sendFrame(fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, 3, o.Len())
	assert.Equal(t, []string{"m2", "m3", "m4"}, queueBodies(t, o))
	assert.Equal(t, 1, o.Dropped())
}

func TestOutbox_PurgesExpiredOnEnqueue(t *testing.T) {
	clock := newFakeClock()
	o := NewOutbox(QueueLimits{MaxSize: 10, MaxAge: time.Minute}, clock.Now)

	o.Enqueue(sendFrame("old"))
	clock.Advance(time.Minute)
	o.Enqueue(sendFrame("new"))

	assert.Equal(t, []string{"new"}, queueBodies(t, o))
	assert.Equal(t, 1, o.Dropped())
}

func TestOutbox_PurgesExpiredOnFlushWithoutSending(t *testing.T) {
	clock := newFakeClock()
	o := NewOutbox(QueueLimits{MaxAge: time.Minute}, clock.Now)

	o.Enqueue(sendFrame("old"))
	clock.Advance(30 * time.Second)
	o.Enqueue(sendFrame("fresh"))
	clock.Advance(45 * time.Second)

	var sent []string
	n := o.Flush(func(f protocol.Frame) error {
		sent = append(sent, bodyOf(t, f))
		return nil
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"fresh"}, sent)
	assert.Zero(t, o.Len())
}

func TestOutbox_FlushPreservesOrder(t *testing.T) {
	o := NewOutbox(QueueLimits{}, nil)
	for i := 1; i <= 5; i++ {
		o.Enqueue(sendFrame(fmt.Sprintf("m%d", i)))
	}

	var sent []string
	n := o.Flush(func(f protocol.Frame) error {
		sent = append(sent, bodyOf(t, f))
		return nil
	})
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, sent)
	assert.Zero(t, o.Len())
}

func TestOutbox_RequeueGoesFirst(t *testing.T) {
	o := NewOutbox(QueueLimits{}, nil)
	o.Enqueue(sendFrame("m2"))
	o.Enqueue(sendFrame("m3"))

	o.Requeue(sendFrame("m1"))

	assert.Equal(t, []string{"m1", "m2", "m3"}, queueBodies(t, o))
}

func TestOutbox_FlushStopsAtFirstFailure(t *testing.T) {
	o := NewOutbox(QueueLimits{MaxRetries: 3}, nil)
	for i := 1; i <= 4; i++ {
		o.Enqueue(sendFrame(fmt.Sprintf("m%d", i)))
	}

	calls := 0
	n := o.Flush(func(f protocol.Frame) error {
		calls++
		if calls == 2 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m2", "m3", "m4"}, queueBodies(t, o))
	items := o.Snapshot()
	assert.Equal(t, 1, items[0].Retries)
	assert.Zero(t, items[1].Retries)
}

func TestOutbox_DropsAfterMaxRetries(t *testing.T) {
	o := NewOutbox(QueueLimits{MaxRetries: 2}, nil)
	o.Enqueue(sendFrame("doomed"))
	o.Enqueue(sendFrame("next"))

	fail := func(protocol.Frame) error { return errors.New("boom") }
	o.Flush(fail)
	require.Equal(t, []string{"doomed", "next"}, queueBodies(t, o))

	o.Flush(fail)
	assert.Equal(t, []string{"next"}, queueBodies(t, o))
	assert.Equal(t, 1, o.Dropped())

	// A dropped item is never resurrected by later flushes.
	var sent []string
	o.Flush(func(f protocol.Frame) error {
		sent = append(sent, bodyOf(t, f))
		return nil
	})
	assert.Equal(t, []string{"next"}, sent)
}

func TestOutbox_EnqueueDuringFlushStaysBehind(t *testing.T) {
	o := NewOutbox(QueueLimits{}, nil)
	o.Enqueue(sendFrame("a"))
	o.Enqueue(sendFrame("b"))

	o.Flush(func(f protocol.Frame) error {
		if bodyOf(t, f) == "a" {
			o.Enqueue(sendFrame("late"))
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, []string{"a", "b", "late"}, queueBodies(t, o))
}

func TestOutbox_PurgeAndClear(t *testing.T) {
	clock := newFakeClock()
	o := NewOutbox(QueueLimits{MaxAge: time.Second}, clock.Now)
	o.Enqueue(sendFrame("a"))
	o.Enqueue(sendFrame("b"))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 2, o.Purge())
	assert.Zero(t, o.Len())

	o.Enqueue(sendFrame("c"))
	o.Clear()
	assert.Zero(t, o.Len())
}
