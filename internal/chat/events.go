package chat

import "time"

const EventMessageCreated = "message.created"

// MessageEvent is published after a message has been persisted and fanned out.
type MessageEvent struct {
	EventID         string    `json:"eventId"`
	Type            string    `json:"type"`
	MessageID       uint64    `json:"messageId"`
	ConversationID  uint64    `json:"conversationId"`
	SenderID        uint64    `json:"senderId"`
	RecipientID     uint64    `json:"recipientId"`
	RecipientOnline bool      `json:"recipientOnline"`
	CreatedAt       time.Time `json:"createdAt"`
}

func NewMessageEvent(eventID string, msg *Message, recipientOnline bool) MessageEvent {
	return MessageEvent{
		EventID:         eventID,
		Type:            EventMessageCreated,
		MessageID:       msg.ID,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		RecipientOnline: recipientOnline,
		CreatedAt:       msg.CreatedAt,
	}
}
