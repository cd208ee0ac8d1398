// Package events defines the bus topics and event payloads shared by the
// relay and the presence service. All events are serialized as JSON; any
// subscriber must tolerate unknown additional fields so that payloads can
// grow without breaking older instances.
package events

import "encoding/json"

// Bus topics. Every backend instance subscribes its relay sessions to both.
const (
	TopicTyping   = "events:typing"
	TopicReceipts = "events:receipts"
)

// Receipt status values accepted by the receipts endpoints.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// ValidReceiptStatus reports whether s is an accepted receipt status.
func ValidReceiptStatus(s string) bool {
	return s == StatusDelivered || s == StatusRead
}

// TypingEvent is published on TopicTyping whenever a user starts or stops
// typing in a conversation. It is published on every state change, even
// when the underlying typing flag was already in the requested state.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	User           string `json:"user"`
	Typing         bool   `json:"typing"`
}

// ReceiptsEvent is published on TopicReceipts after a batch of messages
// has been marked delivered or read.
type ReceiptsEvent struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	Status         string   `json:"status"`
}

// Marshal encodes v as a JSON event payload.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
