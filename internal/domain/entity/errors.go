// Copyright 2026 Loomgate Authors. All rights reserved.

package entity

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrIndexOutOfRange = errors.New("message index out of range")
	ErrInvalidSession  = errors.New("invalid session payload")
)
