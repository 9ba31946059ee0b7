package domain

import "time"

// ProductSnapshot is the product as it looked when it was featured.
type ProductSnapshot struct {
	Name     string  `json:"name"`
	ImageURL string  `json:"image_url,omitempty"`
	Price    float64 `json:"price"`
}

// LiveProductEntry is a product featured in a live session.
type LiveProductEntry struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Snapshot  ProductSnapshot `json:"snapshot"`
	IsPinned  bool            `json:"is_pinned"`
	AddedAt   time.Time       `json:"added_at"`
}

// ProductRef identifies an entry by its entry id, its product id, or both.
type ProductRef struct {
	EntryID   string `json:"entry_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

func (r ProductRef) IsZero() bool { return r.EntryID == "" && r.ProductID == "" }

// Matches reports whether e is the entry r points at.
func (r ProductRef) Matches(e LiveProductEntry) bool {
	if r.EntryID != "" && (r.EntryID == e.ID || r.EntryID == e.ProductID) {
		return true
	}
	if r.ProductID != "" && (r.ProductID == e.ProductID || r.ProductID == e.ID) {
		return true
	}
	return false
}
