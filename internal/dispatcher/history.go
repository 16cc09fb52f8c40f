package dispatcher

// historyRing remembers terminal task IDs in completion order. Pushing past
// capacity evicts the oldest.
type historyRing struct {
	ids  []string
	head int
	size int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{ids: make([]string, capacity)}
}

func (r *historyRing) push(id string) (evicted string, ok bool) {
	if r.size == len(r.ids) {
		evicted, ok = r.ids[r.head], true
	} else {
		r.size++
	}
	r.ids[r.head] = id
	r.head = (r.head + 1) % len(r.ids)
	return evicted, ok
}

func (r *historyRing) newestFirst(limit int) []string {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]string, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, r.ids[(r.head-i+len(r.ids))%len(r.ids)])
	}
	return out
}
