package domain

import "time"

type Comment struct {
	ID        string    `json:"id"`
	UserID    UserID    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
