// Package products keeps the featured products of a live session ordered with
// the pinned entry first and newest entries after it.
package products

import (
	"sort"
	"sync"

	"github.com/dkeye/liveview/internal/domain"
)

// List is safe for concurrent use. Every mutation leaves at most one pinned
// entry and the entries sorted by (IsPinned desc, AddedAt desc).
type List struct {
	mu      sync.RWMutex
	entries []domain.LiveProductEntry
}

func NewList() *List { return &List{} }

// Replace swaps the whole list, typically with the REST snapshot. If several
// entries claim to be pinned only the newest keeps the pin.
func (l *List) Replace(entries []domain.LiveProductEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]domain.LiveProductEntry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.ID]; dup || e.ID == "" {
			continue
		}
		seen[e.ID] = struct{}{}
		l.entries = append(l.entries, e)
	}
	l.sortLocked()
	pinned := false
	for i := range l.entries {
		if l.entries[i].IsPinned {
			if pinned {
				l.entries[i].IsPinned = false
			}
			pinned = true
		}
	}
	l.sortLocked()
}

// Add inserts e. Adding an entry id that is already present is a no-op.
func (l *List) Add(e domain.LiveProductEntry) bool {
	if e.ID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(domain.ProductRef{EntryID: e.ID}, true) >= 0 {
		return false
	}
	if e.IsPinned {
		l.unpinAllLocked()
	}
	l.entries = append(l.entries, e)
	l.sortLocked()
	return true
}

// Remove drops the entry ref points at and reports whether one was found.
func (l *List) Remove(ref domain.ProductRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.find(ref)
	if i < 0 {
		return false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return true
}

// Pin makes ref the only pinned entry.
func (l *List) Pin(ref domain.ProductRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.find(ref)
	if i < 0 {
		return false
	}
	l.unpinAllLocked()
	l.entries[i].IsPinned = true
	l.sortLocked()
	return true
}

func (l *List) Unpin(ref domain.ProductRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.find(ref)
	if i < 0 || !l.entries[i].IsPinned {
		return false
	}
	l.entries[i].IsPinned = false
	l.sortLocked()
	return true
}

// Snapshot returns a copy in display order.
func (l *List) Snapshot() []domain.LiveProductEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.LiveProductEntry(nil), l.entries...)
}

func (l *List) Pinned() (domain.LiveProductEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) > 0 && l.entries[0].IsPinned {
		return l.entries[0], true
	}
	return domain.LiveProductEntry{}, false
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// find prefers an exact entry id match before falling back to product ids.
func (l *List) find(ref domain.ProductRef) int {
	if ref.IsZero() {
		return -1
	}
	if i := l.indexLocked(ref, true); i >= 0 {
		return i
	}
	return l.indexLocked(ref, false)
}

func (l *List) indexLocked(ref domain.ProductRef, exact bool) int {
	for i, e := range l.entries {
		if exact {
			if ref.EntryID != "" && e.ID == ref.EntryID {
				return i
			}
			continue
		}
		if ref.Matches(e) {
			return i
		}
	}
	return -1
}

func (l *List) unpinAllLocked() {
	for i := range l.entries {
		l.entries[i].IsPinned = false
	}
}

func (l *List) sortLocked() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		return less(l.entries[i], l.entries[j])
	})
}

func less(a, b domain.LiveProductEntry) bool {
	if a.IsPinned != b.IsPinned {
		return a.IsPinned
	}
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.After(b.AddedAt)
	}
	return a.ID < b.ID
}
