// ABOUTME: Push fan-out hook fed by the events bus
// ABOUTME: Hands message events for offline recipients to a PushNotifier

package gateway

import (
	"context"
	"log/slog"

	"github.com/2389/hush-gateway/internal/events"
)

// PushNotifier delivers an out-of-band notification to an offline recipient.
type PushNotifier interface {
	Notify(ctx context.Context, recipient string, ev events.Event) error
}

// logNotifier records push candidates until a real provider is configured.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(ctx context.Context, recipient string, ev events.Event) error {
	n.logger.Info("push candidate",
		"profile_id", recipient,
		"thread_id", ev.ThreadID,
		"message_id", ev.MessageID,
	)
	return nil
}

// SetPushNotifier replaces the notifier.
func (g *Gateway) SetPushNotifier(n PushNotifier) {
	g.pushMu.Lock()
	defer g.pushMu.Unlock()
	g.push = n
}

func (g *Gateway) notifier() PushNotifier {
	g.pushMu.RLock()
	defer g.pushMu.RUnlock()
	return g.push
}

// runPushFanout notifies every recipient that was offline when a message
// was accepted.
func (g *Gateway) runPushFanout(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, recipient := range ev.Recipients {
				if ev.Online[recipient] {
					continue
				}
				if err := g.notifier().Notify(ctx, recipient, ev); err != nil {
					g.logger.Warn("push notify failed", "profile_id", recipient, "error", err)
				}
			}
		}
	}
}
