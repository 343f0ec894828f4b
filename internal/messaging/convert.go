// ABOUTME: Converts stored envelopes, reactions and threads into their wire forms.

package messaging

import (
	"time"

	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// ToMessageData converts a stored envelope to its wire form.
func ToMessageData(env *store.Envelope) protocol.MessageData {
	return protocol.MessageData{
		ID:          env.ID,
		ThreadID:    env.ThreadID,
		From:        env.Sender,
		Type:        env.Kind,
		Ciphertext:  env.Ciphertext,
		MediaCID:    env.MediaCID,
		Meta:        env.Meta,
		ReplyTo:     env.ReplyTo,
		ClientID:    env.ClientID,
		CreatedAt:   env.CreatedAt.UnixMilli(),
		DeliveredAt: millis(env.DeliveredAt),
		ReadAt:      millis(env.ReadAt),
		EditedAt:    millis(env.EditedAt),
	}
}

// MessageFrame builds the message frame for env.
func MessageFrame(env *store.Envelope) protocol.Frame {
	return protocol.MustFrame(protocol.OpMessage, ToMessageData(env))
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

// ToThreadData converts a thread to its wire form.
func ToThreadData(t *store.Thread) protocol.ThreadData {
	return protocol.ThreadData{
		ID:           t.ID,
		Kind:         t.Kind,
		Participants: t.Participants,
		CreatedAt:    t.CreatedAt.UnixMilli(),
	}
}

// SummarizeReactions groups reactions by emoji in order of first use.
func SummarizeReactions(rs []store.Reaction) []protocol.ReactionSummary {
	var out []protocol.ReactionSummary
	index := make(map[string]int)
	for _, r := range rs {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, protocol.ReactionSummary{Emoji: r.Emoji})
		}
		out[i].Count++
		out[i].ProfileIDs = append(out[i].ProfileIDs, r.Identity)
	}
	return out
}
