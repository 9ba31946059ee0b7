package reactions

// idRing remembers the most recent ids up to a fixed capacity. The oldest id
// is evicted first.
type idRing struct {
	ids  []string
	next int
	full bool
	set  map[string]struct{}
}

func newIDRing(capacity int) *idRing {
	if capacity <= 0 {
		capacity = 200
	}
	return &idRing{ids: make([]string, capacity), set: make(map[string]struct{}, capacity)}
}

func (r *idRing) Contains(id string) bool {
	_, ok := r.set[id]
	return ok
}

// Add records id and reports false if it was already present.
func (r *idRing) Add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if r.full {
		delete(r.set, r.ids[r.next])
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next++
	if r.next == len(r.ids) {
		r.next = 0
		r.full = true
	}
	return true
}

func (r *idRing) Len() int { return len(r.set) }
