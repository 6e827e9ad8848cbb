package bufstream

import "sync"

// priorityIndex is one direction's neediness registry: stream -> priority,
// with the pump picking the greatest entry. A stream's registered priority
// lives only in this map, mutated only under its lock, so the pair
// (membership, value) changes atomically; priority > 0 iff registered.
type priorityIndex struct {
	mu      sync.Mutex
	cond    *sync.Cond // signalled when an insertion becomes the head
	entries map[*Stream]uint64
	last    int // index of the stream served last, for tie rotation
}

func newPriorityIndex() *priorityIndex {
	p := &priorityIndex{
		entries: make(map[*Stream]uint64),
		last:    -1,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// update registers, re-keys, or (with pri == 0) deregisters a stream. The
// pump is woken when the insertion becomes the strictly greatest entry.
func (p *priorityIndex) update(s *Stream, pri uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pri == 0 {
		delete(p.entries, s)
		return
	}

	head := true
	for other, otherPri := range p.entries {
		if other != s && otherPri >= pri {
			head = false
			break
		}
	}
	p.entries[s] = pri
	if head {
		p.cond.Broadcast()
	}
}

// get returns the registered priority for a stream, 0 when absent.
func (p *priorityIndex) get(s *Stream) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[s]
}

// remove deregisters a stream unconditionally.
func (p *priorityIndex) remove(s *Stream) {
	p.mu.Lock()
	delete(p.entries, s)
	p.mu.Unlock()
}

// awaitHead blocks until the index is non-empty and returns the neediest
// stream, leaving its entry in place. Ties rotate round-robin by stream
// index so equal-priority streams cannot starve each other. Returns nil
// once the index is empty and stopped reports true.
func (p *priorityIndex) awaitHead(stopped func() bool) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.entries) == 0 {
		if stopped() {
			return nil
		}
		p.cond.Wait()
	}

	var best uint64
	for _, pri := range p.entries {
		if pri > best {
			best = pri
		}
	}

	// Among streams at the top priority, pick the first index cyclically
	// after the last one served.
	var chosen *Stream
	bestDistance := -1
	for s, pri := range p.entries {
		if pri != best {
			continue
		}
		distance := s.index - p.last
		if distance <= 0 {
			distance += 1 << 30
		}
		if bestDistance < 0 || distance < bestDistance {
			bestDistance = distance
			chosen = s
		}
	}
	p.last = chosen.index
	return chosen
}

// broadcast wakes the pump so it can observe a state change, e.g. group
// shutdown.
func (p *priorityIndex) broadcast() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}
