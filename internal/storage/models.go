package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

// Conversation rows are unique per (initiator, counterparty, vehicle). The
// general, vehicle-less conversation stores an empty vehicle id so the
// unique index also covers it.
type Conversation struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	InitiatorID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_parties,priority:1"`
	CounterpartyID string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_parties,priority:2;index"`
	VehicleID      string    `gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_conversation_parties,priority:3"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;index"`
}

func (Conversation) TableName() string { return "conversations" }

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (c *Conversation) toDomain() *rentwheel.Conversation {
	return &rentwheel.Conversation{
		ID:             c.ID,
		InitiatorID:    c.InitiatorID,
		CounterpartyID: c.CounterpartyID,
		VehicleID:      rentwheel.Scope(c.VehicleID),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

type Message struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	ConversationID string    `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1"`
	SenderID       string    `gorm:"type:varchar(64);not null"`
	Content        string    `gorm:"type:text;not null"`
	IsRead         bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation_created,priority:2"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

func (m *Message) toDomain() rentwheel.Message {
	return rentwheel.Message{
		ID:             rentwheel.Durable(m.ID),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.IsRead,
	}
}
