package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/liveview/internal/domain"
)

// ErrUnrecognizedShape is returned when a payload matches none of the wire
// shapes an event is known to arrive in.
var ErrUnrecognizedShape = errors.New("unrecognized event payload")

// LiveEnded is the canonical form of live:ended.
type LiveEnded struct {
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type object map[string]json.RawMessage

func unrecognized(event string, data json.RawMessage) error {
	const max = 120
	s := string(data)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return fmt.Errorf("%w: %s: %s", ErrUnrecognizedShape, event, s)
}

func kindOf(data json.RawMessage) byte {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

func asObject(data json.RawMessage) (object, bool) {
	if kindOf(data) != '{' {
		return nil, false
	}
	var o object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, false
	}
	return o, true
}

// str decodes a string or a number at the first present key.
func (o object) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		if s := scalar(raw); s != "" {
			return s
		}
	}
	return ""
}

func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// ref resolves a field that is either a bare id or an embedded object.
func (o object) ref(keys ...string) (string, object) {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		if s := scalar(raw); s != "" {
			return s, nil
		}
		if inner, ok := asObject(raw); ok {
			if id := inner.str("_id", "id"); id != "" {
				return id, inner
			}
		}
	}
	return "", nil
}

func (o object) timestamp(keys ...string) time.Time {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
			continue
		}
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

func (o object) flag(key string) bool {
	var b bool
	_ = json.Unmarshal(o[key], &b)
	return b
}

func (o object) float(keys ...string) float64 {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		if f, err := strconv.ParseFloat(scalar(raw), 64); err == nil {
			return f
		}
	}
	return 0
}

// unwrap returns the object under the first wrapper key present, or o.
func (o object) unwrap(keys ...string) object {
	for _, k := range keys {
		if inner, ok := asObject(o[k]); ok {
			return inner
		}
	}
	return o
}

func userOf(o object) domain.UserID {
	if id := o.str("userId", "user_id"); id != "" {
		return domain.UserID(id)
	}
	id, _ := o.ref("user")
	return domain.UserID(id)
}

// ParseReaction normalizes a reaction:added payload. The originating user is
// optional; the id and type are not.
func ParseReaction(data json.RawMessage) (domain.ReactionEvent, error) {
	o, ok := asObject(data)
	if !ok {
		return domain.ReactionEvent{}, unrecognized(EventReactionAdded, data)
	}
	o = o.unwrap("reaction")

	t, err := domain.ParseReactionType(o.str("type", "reactionType", "reaction"))
	if err != nil {
		return domain.ReactionEvent{}, fmt.Errorf("%w: %v", unrecognized(EventReactionAdded, data), err)
	}
	id := o.str("_id", "id", "reactionId")
	if id == "" {
		return domain.ReactionEvent{}, unrecognized(EventReactionAdded, data)
	}
	return domain.ReactionEvent{
		ID:        id,
		Type:      t,
		UserID:    userOf(o),
		Timestamp: o.timestamp("timestamp", "createdAt", "created_at"),
	}, nil
}

func productEntry(o object) (domain.LiveProductEntry, bool) {
	productID, product := o.ref("productId", "product_id", "product")
	id := o.str("_id", "id", "liveProductId")
	if id == "" && productID == "" {
		return domain.LiveProductEntry{}, false
	}
	if id == "" {
		id = productID
	}
	if productID == "" {
		productID = id
	}

	snap := product
	for _, k := range []string{"productSnapshot", "snapshot"} {
		if inner, ok := asObject(o[k]); ok {
			snap = inner
			break
		}
	}
	if snap == nil && o.str("name") != "" {
		snap = o
	}
	e := domain.LiveProductEntry{
		ID:        id,
		ProductID: productID,
		IsPinned:  o.flag("isPinned"),
		AddedAt:   o.timestamp("addedAt", "added_at", "createdAt"),
	}
	if snap != nil {
		e.Snapshot = domain.ProductSnapshot{
			Name:     snap.str("name", "title"),
			ImageURL: imageOf(snap),
			Price:    snap.float("price", "salePrice"),
		}
	}
	return e, true
}

func imageOf(o object) string {
	if s := o.str("image", "imageUrl", "image_url", "thumbnail"); s != "" {
		return s
	}
	var images []string
	if err := json.Unmarshal(o["images"], &images); err == nil && len(images) > 0 {
		return images[0]
	}
	return ""
}

// ParseProductAdded accepts a single entry, an array of entries, or a
// wrapper object holding either.
func ParseProductAdded(data json.RawMessage) ([]domain.LiveProductEntry, error) {
	switch kindOf(data) {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, unrecognized(EventProductAdded, data)
		}
		out := make([]domain.LiveProductEntry, 0, len(items))
		for _, item := range items {
			o, ok := asObject(item)
			if !ok {
				return nil, unrecognized(EventProductAdded, data)
			}
			e, ok := productEntry(o)
			if !ok {
				return nil, unrecognized(EventProductAdded, data)
			}
			out = append(out, e)
		}
		return out, nil
	case '{':
		o, _ := asObject(data)
		for _, k := range []string{"products", "liveProducts", "items"} {
			if kindOf(o[k]) == '[' {
				return ParseProductAdded(o[k])
			}
		}
		o = o.unwrap("liveProduct", "entry")
		if e, ok := productEntry(o); ok {
			return []domain.LiveProductEntry{e}, nil
		}
	}
	return nil, unrecognized(EventProductAdded, data)
}

// ParseProductRef normalizes the payload of product:removed, product:pinned
// and product:unpinned: a bare id, an id object, or a whole embedded entry.
func ParseProductRef(event string, data json.RawMessage) (domain.ProductRef, error) {
	if s := scalar(data); s != "" {
		return domain.ProductRef{EntryID: s}, nil
	}
	o, ok := asObject(data)
	if !ok {
		return domain.ProductRef{}, unrecognized(event, data)
	}
	o = o.unwrap("liveProduct", "entry")
	ref := domain.ProductRef{EntryID: o.str("liveProductId", "_id", "id")}
	ref.ProductID, _ = o.ref("productId", "product_id", "product")
	if ref.IsZero() {
		return ref, unrecognized(event, data)
	}
	return ref, nil
}

func ParseComment(data json.RawMessage) (domain.Comment, error) {
	o, ok := asObject(data)
	if !ok {
		return domain.Comment{}, unrecognized(EventCommentAdded, data)
	}
	o = o.unwrap("comment")
	text := o.str("text", "content", "message")
	if text == "" {
		return domain.Comment{}, unrecognized(EventCommentAdded, data)
	}
	c := domain.Comment{
		ID:        o.str("_id", "id"),
		UserID:    userOf(o),
		UserName:  o.str("userName", "username"),
		Text:      text,
		CreatedAt: o.timestamp("createdAt", "created_at", "timestamp"),
	}
	if _, user := o.ref("user"); user != nil && c.UserName == "" {
		c.UserName = user.str("name", "username", "fullName")
	}
	return c, nil
}

// ParseLiveEnded tolerates an empty payload; the event name carries the
// meaning.
func ParseLiveEnded(data json.RawMessage) (LiveEnded, error) {
	switch kindOf(data) {
	case 0, 'n':
		return LiveEnded{}, nil
	case '"':
		return LiveEnded{SessionID: domain.SessionID(scalar(data))}, nil
	case '{':
		o, _ := asObject(data)
		return LiveEnded{
			SessionID: domain.SessionID(o.str("liveSessionId", "sessionId", "_id", "id")),
			Reason:    o.str("reason", "status"),
		}, nil
	}
	return LiveEnded{}, unrecognized(EventLiveEnded, data)
}

func ParseViewerCount(data json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	if o, ok := asObject(data); ok {
		for _, k := range []string{"count", "currentViewers", "viewers"} {
			if err := json.Unmarshal(o[k], &n); err == nil {
				return n, nil
			}
		}
	}
	return 0, unrecognized(EventViewerCount, data)
}
