package models

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Conversation represents an archived chat.
type Conversation struct {
	ID               UUID   `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	IsGroup          bool   `db:"is_group" json:"is_group"`
	ShareToken       string `db:"share_token" json:"share_token,omitempty"`
	MessageCount     int    `db:"message_count" json:"message_count"`
	ParticipantCount int    `db:"participant_count" json:"participant_count"`
	FirstMessageAt   int64  `db:"first_message_at" json:"first_message_at"`
	LastMessageAt    int64  `db:"last_message_at" json:"last_message_at"`
	CreatedAt        int64  `db:"created_at" json:"created_at"`
	UpdatedAt        int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Conversation.
func (Conversation) TableName() string {
	return "conversations"
}

// FirstMessageTime returns FirstMessageAt as time.Time.
func (c *Conversation) FirstMessageTime() time.Time {
	return unixTime(c.FirstMessageAt)
}

// LastMessageTime returns LastMessageAt as time.Time.
func (c *Conversation) LastMessageTime() time.Time {
	return unixTime(c.LastMessageAt)
}

// GenerateShareToken assigns a new URL-safe share token.
func (c *Conversation) GenerateShareToken() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	c.ShareToken = base64.RawURLEncoding.EncodeToString(buf)
	return c.ShareToken
}

// RevokeShareToken clears the share token.
func (c *Conversation) RevokeShareToken() {
	c.ShareToken = ""
}

// Touch updates the UpdatedAt timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().Unix()
}
