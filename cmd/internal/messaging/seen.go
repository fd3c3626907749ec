package messaging

// seenSet is an insertion-ordered set of message ids with a fixed capacity.
// Once full, adding a new id evicts the oldest one (FIFO).
//
// It is owned by exactly one subscription loop and is not safe for concurrent use.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	head int // next slot to overwrite once full
	size int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenSet{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Has reports whether id was recorded and not yet evicted.
func (s *seenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}

	if s.size == len(s.ring) {
		delete(s.ids, s.ring[s.head])
	} else {
		s.size++
	}
	s.ring[s.head] = id
	s.head = (s.head + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}

// Len returns the number of ids currently held.
func (s *seenSet) Len() int { return s.size }

// Cap returns the maximum number of ids held.
func (s *seenSet) Cap() int { return len(s.ring) }
