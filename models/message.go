package models

import (
	"errors"
	"time"
)

type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderStaff SenderType = "staff"
)

// Message is one line of the support chat between a customer and staff.
type Message struct {
	ID         string     `json:"id"`          // Server-assigned message ID
	UserID     string     `json:"user_id"`     // Customer the conversation belongs to
	Content    string     `json:"content"`     // Message text
	SenderType SenderType `json:"sender_type"` // Who wrote it: user or staff
	IsRead     bool       `json:"is_read"`     // Read by the customer
	CreatedAt  time.Time  `json:"created_at"`  // Creation time, used for ordering and day grouping
	UpdatedAt  time.Time  `json:"updated_at"`  // Last server-side change
	ClientKey  string     `json:"-"`           // Local rendering key, never sent to the server
}

func (m Message) Key() string           { return m.ID }
func (m Message) Created() time.Time    { return m.CreatedAt }
func (m Message) Revision() time.Time   { return m.UpdatedAt }
func (m Message) UnreadFromStaff() bool { return !m.IsRead && m.SenderType == SenderStaff }

// Valid reports whether a record decoded from the server carries the fields
// the engine relies on.
func (m Message) Valid() error {
	if m.ID == "" {
		return errors.New("message: missing id")
	}
	if m.UserID == "" {
		return errors.New("message: missing user_id")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("message: missing created_at")
	}
	if m.SenderType != SenderUser && m.SenderType != SenderStaff {
		return errors.New("message: unknown sender_type " + string(m.SenderType))
	}
	return nil
}
