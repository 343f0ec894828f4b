// ABOUTME: Fans a frame out to thread participants through a Sender.
// ABOUTME: Offline or backpressured recipients are skipped, never retried.

package router

import (
	"log/slog"

	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// DropCounter counts frames that could not be queued for a recipient.
type DropCounter interface {
	FrameDropped(op string)
}

// Broadcaster sends frames to every participant of a thread.
type Broadcaster struct {
	sender Sender
	drops  DropCounter
	logger *slog.Logger
}

// NewBroadcaster creates a Broadcaster over sender.
func NewBroadcaster(sender Sender, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		sender: sender,
		logger: logger.With("component", "broadcast"),
	}
}

// SetDropCounter installs a counter for undeliverable frames.
func (b *Broadcaster) SetDropCounter(d DropCounter) {
	b.drops = d
}

// SendTo delivers frame to one identity and reports whether it was queued.
func (b *Broadcaster) SendTo(identity string, frame protocol.Frame) bool {
	if b.sender.Send(identity, frame) {
		return true
	}
	if b.drops != nil {
		b.drops.FrameDropped(frame.Op)
	}
	return false
}

// ToThread delivers frame to every participant of thread except the identity
// in except (pass "" to include everyone). Returns the number of recipients
// the frame was queued for.
func (b *Broadcaster) ToThread(thread *store.Thread, except string, frame protocol.Frame) int {
	return b.ToIdentities(thread.Participants, except, frame)
}

// ToIdentities delivers frame to each identity except the one in except.
func (b *Broadcaster) ToIdentities(identities []string, except string, frame protocol.Frame) int {
	queued := 0
	for _, id := range identities {
		if id == except {
			continue
		}
		if b.SendTo(id, frame) {
			queued++
		}
	}
	b.logger.Debug("broadcast", "op", frame.Op, "recipients", len(identities), "queued", queued)
	return queued
}
