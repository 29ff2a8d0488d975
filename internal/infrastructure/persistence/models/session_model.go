// Copyright 2026 Loomgate Authors. All rights reserved.

package models

import "time"

// SessionModel is the GORM row for one session; the message log is stored
// as a JSON blob, matching the one-object-per-session layout.
type SessionModel struct {
	ID        string `gorm:"primaryKey"`
	Channel   string `gorm:"index"`
	UserID    string `gorm:"index"`
	Messages  string `gorm:"type:text"`
	Main      bool
	Elevated  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name.
func (SessionModel) TableName() string {
	return "sessions"
}
