package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleSystem
}

// ChatMessage is one persisted turn of the conversation.
type ChatMessage struct {
	ID        int64     `json:"id"        db:"id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Role      Role      `json:"role"      db:"role"`
	Content   string    `json:"content"   db:"content"`
}
