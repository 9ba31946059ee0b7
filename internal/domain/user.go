// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxUserIDLen = 64

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

type UserID string

// User is the identity of the local viewer.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id, displayName string) (*User, error) {
	id = strings.TrimSpace(id)
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	return &User{ID: UserID(id), DisplayName: displayName}, nil
}
