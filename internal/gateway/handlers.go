// ABOUTME: Router handlers binding each inbound op to its realtime service
// ABOUTME: send, ack, receipts, typing, presence, reactions and message edit/delete

package gateway

import (
	"context"

	"github.com/2389/hush-gateway/internal/protocol"
)

func (g *Gateway) registerHandlers() {
	r := g.router
	r.Handle(protocol.OpSend, g.handleSend)
	r.Handle(protocol.OpAck, g.handleDelivered)
	r.Handle(protocol.OpReceiptDelivered, g.handleDelivered)
	r.Handle(protocol.OpReceiptRead, g.handleRead)
	r.Handle(protocol.OpTypingStart, g.handleTypingStart)
	r.Handle(protocol.OpTypingStop, g.handleTypingStop)
	r.Handle(protocol.OpPresence, g.handlePresenceQuery)
	r.Handle(protocol.OpPresenceVisibility, g.handleVisibility)
	r.Handle(protocol.OpMessageEdit, g.handleEdit)
	r.Handle(protocol.OpMessageDelete, g.handleDelete)
	r.Handle(protocol.OpChatReaction, g.handleReaction)
}

func (g *Gateway) handleSend(ctx context.Context, identity string, f protocol.Frame) error {
	var d protocol.SendData
	if err := f.Bind(&d); err != nil {
		return err
	}
	_, err := g.messaging.Send(ctx, identity, d)
	return err
}

func bindReceipt(f protocol.Frame) (protocol.ReceiptData, error) {
	var d protocol.ReceiptData
	if err := f.Bind(&d); err != nil {
		return d, err
	}
	if len(d.MessageIDs) == 0 {
		return d, protocol.Invalid("%s: messageIds is required", f.Op)
	}
	return d, nil
}

// handleDelivered serves both receipt:delivered and ack.
func (g *Gateway) handleDelivered(ctx context.Context, identity string, f protocol.Frame) error {
	d, err := bindReceipt(f)
	if err != nil {
		return err
	}
	return g.receipts.Delivered(ctx, d.MessageIDs, identity)
}

func (g *Gateway) handleRead(ctx context.Context, identity string, f protocol.Frame) error {
	d, err := bindReceipt(f)
	if err != nil {
		return err
	}
	if d.ThreadID == "" {
		return protocol.Invalid("%s: threadId is required", f.Op)
	}
	return g.receipts.Read(ctx, d.ThreadID, d.MessageIDs, identity)
}

func bindTyping(f protocol.Frame) (protocol.TypingData, error) {
	var d protocol.TypingData
	if err := f.Bind(&d); err != nil {
		return d, err
	}
	if d.ThreadID == "" {
		return d, protocol.Invalid("%s: threadId is required", f.Op)
	}
	return d, nil
}

func (g *Gateway) handleTypingStart(ctx context.Context, identity string, f protocol.Frame) error {
	d, err := bindTyping(f)
	if err != nil {
		return err
	}
	return g.typing.Start(ctx, d.ThreadID, identity)
}

func (g *Gateway) handleTypingStop(ctx context.Context, identity string, f protocol.Frame) error {
	d, err := bindTyping(f)
	if err != nil {
		return err
	}
	g.typing.Stop(d.ThreadID, identity)
	return nil
}

// handlePresenceQuery answers with one presence:update per requested identity.
func (g *Gateway) handlePresenceQuery(ctx context.Context, identity string, f protocol.Frame) error {
	var d protocol.PresenceQueryData
	if err := f.Bind(&d); err != nil {
		return err
	}
	if len(d.ProfileIDs) == 0 {
		return protocol.Invalid("presence: profileIds is required")
	}
	for _, id := range d.ProfileIDs {
		update, err := g.presence.Query(ctx, id)
		if err != nil {
			return err
		}
		g.broadcaster.SendTo(identity, protocol.MustFrame(protocol.OpPresenceUpdate, update))
	}
	return nil
}

func (g *Gateway) handleVisibility(ctx context.Context, identity string, f protocol.Frame) error {
	var d protocol.VisibilityData
	if err := f.Bind(&d); err != nil {
		return err
	}
	return g.presence.SetVisible(ctx, identity, d.Visible)
}

func (g *Gateway) handleEdit(ctx context.Context, identity string, f protocol.Frame) error {
	var d protocol.EditData
	if err := f.Bind(&d); err != nil {
		return err
	}
	return g.messaging.Edit(ctx, identity, d)
}

func (g *Gateway) handleDelete(ctx context.Context, identity string, f protocol.Frame) error {
	var d protocol.DeleteData
	if err := f.Bind(&d); err != nil {
		return err
	}
	return g.messaging.Delete(ctx, identity, d)
}

func (g *Gateway) handleReaction(ctx context.Context, identity string, f protocol.Frame) error {
	var d protocol.ReactionData
	if err := f.Bind(&d); err != nil {
		return err
	}
	return g.messaging.React(ctx, identity, d)
}
