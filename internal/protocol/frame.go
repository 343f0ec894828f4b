// ABOUTME: Wire frames exchanged over the realtime socket as JSON {op, data}
// ABOUTME: Defines operation names and the payload structs for every operation

package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server operations.
const (
	OpSend               = "send"
	OpAck                = "ack"
	OpPresence           = "presence"
	OpPresenceVisibility = "presence:visibility"
	OpTypingStart        = "typing:start"
	OpTypingStop         = "typing:stop"
	OpReceiptDelivered   = "receipt:delivered"
	OpReceiptRead        = "receipt:read"
	OpMessageEdit        = "message:edit"
	OpMessageDelete      = "message:delete"
	// OpChatReaction is sent by clients and relayed by the server with the reactor attached.
	OpChatReaction = "chat:reaction"
)

// Server to client operations.
const (
	OpMessage        = "message"
	OpMessageStatus  = "message:status"
	OpMessageEdited  = "message:edited"
	OpMessageDeleted = "message:deleted"
	OpTyping         = "typing"
	OpPresenceUpdate = "presence:update"
	OpThreadCreated  = "thread:created"
	OpError          = "error"
)

// Reaction actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// MaxEmojiLen bounds the encoded size of a reaction emoji.
const MaxEmojiLen = 32

// Message status values carried by message:status.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Presence status values.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Message kinds. Only media kinds may omit ciphertext.
const (
	KindText  = "text"
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
	KindFile  = "file"
)

// IsMediaKind reports whether kind denotes a media message.
func IsMediaKind(kind string) bool {
	switch kind {
	case KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// Frame is one operation on the wire.
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with data marshaled to JSON.
func NewFrame(op string, data any) (Frame, error) {
	f := Frame{Op: op}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshaling %s data: %w", op, err)
	}
	f.Data = raw
	return f, nil
}

// MustFrame is NewFrame for payloads that always marshal.
func MustFrame(op string, data any) Frame {
	f, err := NewFrame(op, data)
	if err != nil {
		panic(err)
	}
	return f
}

// Encode serializes the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a raw frame. An empty op is a protocol error.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, Invalid("malformed frame: %v", err)
	}
	if f.Op == "" {
		return Frame{}, Invalid("frame has no op")
	}
	return f, nil
}

// Bind unmarshals the frame data into v.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return Invalid("%s: missing data", f.Op)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return Invalid("%s: malformed data: %v", f.Op, err)
	}
	return nil
}

// SendData is the payload of a send operation.
type SendData struct {
	ThreadID   string          `json:"threadId"`
	Type       string          `json:"type"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	MediaCID   string          `json:"mediaCid,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
}

// Validate checks required fields. Type defaults to text.
func (d *SendData) Validate() error {
	if d.ThreadID == "" {
		return Invalid("send: threadId is required")
	}
	if d.Type == "" {
		d.Type = KindText
	}
	if d.Ciphertext == "" && !IsMediaKind(d.Type) {
		return Invalid("send: ciphertext is required for type %q", d.Type)
	}
	if IsMediaKind(d.Type) && d.MediaCID == "" && d.Ciphertext == "" {
		return Invalid("send: mediaCid is required for type %q", d.Type)
	}
	return nil
}

// MessageData is the server to client message frame payload.
type MessageData struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"threadId"`
	From        string            `json:"from"`
	Type        string            `json:"type"`
	Ciphertext  string            `json:"ciphertext,omitempty"`
	MediaCID    string            `json:"mediaCid,omitempty"`
	Meta        json.RawMessage   `json:"meta,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
	DeliveredAt *int64            `json:"deliveredAt,omitempty"`
	ReadAt      *int64            `json:"readAt,omitempty"`
	EditedAt    *int64            `json:"editedAt,omitempty"`
	Reactions   []ReactionSummary `json:"reactions,omitempty"`
}

// MessageStatusData is the payload of message:status.
type MessageStatusData struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ReceiptData is the payload of receipt:delivered, receipt:read and ack.
type ReceiptData struct {
	ThreadID   string   `json:"threadId,omitempty"`
	MessageIDs []string `json:"messageIds"`
}

// TypingData is the client typing:start / typing:stop payload.
type TypingData struct {
	ThreadID string `json:"threadId"`
}

// TypingUpdateData is the server typing frame payload.
type TypingUpdateData struct {
	ThreadID  string `json:"threadId"`
	ProfileID string `json:"profileId"`
	IsTyping  bool   `json:"isTyping"`
}

// PresenceQueryData is the payload of a presence query.
type PresenceQueryData struct {
	ProfileIDs []string `json:"profileIds"`
}

// VisibilityData toggles whether presence transitions are broadcast.
type VisibilityData struct {
	Visible bool `json:"visible"`
}

// PresenceUpdateData is the payload of presence:update.
type PresenceUpdateData struct {
	ProfileID  string `json:"profileId"`
	Status     string `json:"status"`
	LastSeenAt *int64 `json:"lastSeenAt,omitempty"`
}

// EditData is the payload of message:edit.
type EditData struct {
	MessageID  string `json:"messageId"`
	Ciphertext string `json:"ciphertext"`
}

// EditedData is the payload of message:edited.
type EditedData struct {
	MessageID  string `json:"messageId"`
	ThreadID   string `json:"threadId"`
	Ciphertext string `json:"ciphertext"`
	EditedAt   int64  `json:"editedAt"`
}

// DeleteData is the payload of message:delete.
type DeleteData struct {
	MessageID string `json:"messageId"`
}

// DeletedData is the payload of message:deleted.
type DeletedData struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	DeletedAt int64  `json:"deletedAt"`
}

// ReactionData is the client chat:reaction payload.
type ReactionData struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// Validate checks required fields.
func (d ReactionData) Validate() error {
	if d.MessageID == "" {
		return Invalid("chat:reaction: messageId is required")
	}
	if d.Emoji == "" || len(d.Emoji) > MaxEmojiLen {
		return Invalid("chat:reaction: emoji must be 1 to %d bytes", MaxEmojiLen)
	}
	if d.Action != ReactionAdd && d.Action != ReactionRemove {
		return Invalid("chat:reaction: unknown action %q", d.Action)
	}
	return nil
}

// ReactionUpdateData is the server chat:reaction payload.
type ReactionUpdateData struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	ProfileID string `json:"profileId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
	At        int64  `json:"at"`
}

// ReactionSummary aggregates one emoji on a message.
type ReactionSummary struct {
	Emoji      string   `json:"emoji"`
	Count      int      `json:"count"`
	ProfileIDs []string `json:"profileIds"`
}

// ThreadData describes a thread in thread:created and the thread API.
type ThreadData struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
}
