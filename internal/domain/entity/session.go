// Copyright 2026 Loomgate Authors. All rights reserved.

package entity

import (
	"fmt"
	"strings"
	"time"
)

// Session holds the ordered message log for one channel:user pair.
// The SessionManager is the exclusive owner; everything handed out to other
// components is a snapshot.
type Session struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	Main      bool      `json:"main"`
	Elevated  bool      `json:"elevated"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionID builds the stable identity "<channel>:<userId>".
func SessionID(channel, userID string) string {
	return fmt.Sprintf("%s:%s", channel, userID)
}

// ParseSessionID splits "<channel>:<userId>" back into its parts. The
// user id may itself contain colons.
func ParseSessionID(id string) (channel, userID string) {
	if i := strings.Index(id, ":"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// NewSession creates an empty session for a channel:user pair.
func NewSession(channel, userID string) *Session {
	now := time.Now()
	return &Session{
		ID:        SessionID(channel, userID),
		Channel:   channel,
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MessageCount returns the number of log records.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// Clone returns an independent copy of the session including its log.
func (s *Session) Clone() *Session {
	dup := *s
	dup.Messages = CloneMessages(s.Messages)
	return &dup
}
