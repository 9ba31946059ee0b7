package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestProductRefMatches(t *testing.T) {
	e := LiveProductEntry{ID: "e1", ProductID: "p1"}
	cases := []struct {
		ref  ProductRef
		want bool
	}{
		{ProductRef{EntryID: "e1"}, true},
		{ProductRef{ProductID: "p1"}, true},
		{ProductRef{EntryID: "p1"}, true},
		{ProductRef{ProductID: "e1"}, true},
		{ProductRef{EntryID: "x", ProductID: "p1"}, true},
		{ProductRef{EntryID: "x"}, false},
		{ProductRef{}, false},
	}
	for _, tc := range cases {
		if got := tc.ref.Matches(e); got != tc.want {
			t.Fatalf("%+v.Matches() = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestLiveSessionEndKeepsFirstTimestamp(t *testing.T) {
	s := LiveSession{Status: StatusLive}
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.End(first)
	s.End(first.Add(time.Hour))
	if s.Status != StatusEnded || !s.EndedAt.Equal(first) {
		t.Fatalf("End() = %v at %v, want ended at %v", s.Status, s.EndedAt, first)
	}
	if s.IsLive() {
		t.Fatalf("IsLive() = true after End")
	}
}

func TestParseReactionType(t *testing.T) {
	if got, err := ParseReactionType(" Wow "); err != nil || got != ReactionWow {
		t.Fatalf("ParseReactionType(Wow) = %q, %v", got, err)
	}
	if _, err := ParseReactionType("meh"); err == nil {
		t.Fatalf("ParseReactionType(meh) error = nil")
	}
}

func TestReactionCountsClone(t *testing.T) {
	var c ReactionCounts
	c.Inc(ReactionLike)
	clone := c.Clone()
	clone.Inc(ReactionLike)
	if c.ByType[ReactionLike] != 1 || c.Total != 1 || clone.Total != 2 {
		t.Fatalf("Clone() shares state: orig %+v clone %+v", c, clone)
	}
}

func TestNewUser(t *testing.T) {
	if _, err := NewUser("  ", "x"); !errors.Is(err, ErrUserIDEmpty) {
		t.Fatalf("NewUser(blank) error = %v", err)
	}
	if _, err := NewUser(strings.Repeat("a", MaxUserIDLen+1), ""); !errors.Is(err, ErrUserIDTooLong) {
		t.Fatalf("NewUser(long) error = %v", err)
	}
	u, err := NewUser(" u1 ", "Ana")
	if err != nil || u.ID != "u1" {
		t.Fatalf("NewUser() = %+v, %v", u, err)
	}
}
