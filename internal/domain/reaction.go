package domain

import (
	"fmt"
	"strings"
	"time"
)

type ReactionType string

const (
	ReactionLike  ReactionType = "like"
	ReactionLove  ReactionType = "love"
	ReactionHaha  ReactionType = "haha"
	ReactionWow   ReactionType = "wow"
	ReactionSad   ReactionType = "sad"
	ReactionAngry ReactionType = "angry"
)

var ReactionTypes = []ReactionType{
	ReactionLike, ReactionLove, ReactionHaha, ReactionWow, ReactionSad, ReactionAngry,
}

func ParseReactionType(s string) (ReactionType, error) {
	t := ReactionType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ReactionTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown reaction type %q", s)
}

// ReactionEvent is one logical reaction. ID is provisional until the server
// persists it. UserID may be empty when the wire event omits it.
type ReactionEvent struct {
	ID        string       `json:"id"`
	Type      ReactionType `json:"type"`
	UserID    UserID       `json:"user_id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ReactionCounts holds per-type totals for a session.
type ReactionCounts struct {
	ByType map[ReactionType]int `json:"by_type"`
	Total  int                  `json:"total"`
}

func NewReactionCounts() ReactionCounts {
	return ReactionCounts{ByType: make(map[ReactionType]int, len(ReactionTypes))}
}

func (c *ReactionCounts) Inc(t ReactionType) {
	if c.ByType == nil {
		c.ByType = make(map[ReactionType]int, len(ReactionTypes))
	}
	c.ByType[t]++
	c.Total++
}

func (c ReactionCounts) Clone() ReactionCounts {
	out := ReactionCounts{ByType: make(map[ReactionType]int, len(c.ByType)), Total: c.Total}
	for k, v := range c.ByType {
		out.ByType[k] = v
	}
	return out
}
