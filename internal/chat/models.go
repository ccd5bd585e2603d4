package chat

import (
	"time"

	"github.com/carelink/portal/internal/models"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Conversation pairs exactly one doctor with one patient.
type Conversation struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	DoctorID       uint64    `gorm:"not null;index:uniq_conv_pair,unique,priority:1" json:"doctorId"`
	PatientID      uint64    `gorm:"not null;index:uniq_conv_pair,unique,priority:2;index" json:"patientId"`
	LastActivityAt time.Time `gorm:"index;not null" json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (Conversation) TableName() string { return "conversations" }

func (c *Conversation) HasParticipant(userID uint64) bool {
	return c.DoctorID == userID || c.PatientID == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID uint64) uint64 {
	if c.DoctorID == userID {
		return c.PatientID
	}
	return c.DoctorID
}

type Message struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64     `gorm:"not null;index:idx_msg_conv_time,priority:1" json:"conversationId"`
	SenderID       uint64     `gorm:"not null;index" json:"senderId"`
	RecipientID    uint64     `gorm:"not null;index:idx_msg_recipient_status,priority:1" json:"recipientId"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	ImageData      *string    `gorm:"type:mediumtext" json:"imageData,omitempty"`
	Status         Status     `gorm:"type:varchar(16);not null;index:idx_msg_recipient_status,priority:2" json:"status"`
	CreatedAt      time.Time  `gorm:"not null;index:idx_msg_conv_time,priority:2" json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

func (Message) TableName() string { return "messages" }

// Summary is a conversation as listed for one participant.
type Summary struct {
	Conversation
	Other       models.Public `json:"otherUser"`
	OtherOnline bool          `json:"otherOnline"`
	UnreadCount int64         `json:"unreadCount"`
	LastMessage *Message      `json:"lastMessage,omitempty"`
}
