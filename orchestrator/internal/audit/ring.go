package audit

import "github.com/sodmaster111/sodmaster/orchestrator/internal/models"

const defaultHistoryLimit = 100

// Ring is a fixed-capacity FIFO of audit events. The oldest entry is
// overwritten once the buffer is full. Ring is not safe for concurrent use.
type Ring struct {
	buf   []models.AuditEvent
	start int
	size  int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultHistoryLimit
	}
	return &Ring{buf: make([]models.AuditEvent, capacity)}
}

// Push appends ev and reports whether an older entry was evicted.
func (r *Ring) Push(ev models.AuditEvent) bool {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return false
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Snapshot returns copies of the buffered events, oldest first.
func (r *Ring) Snapshot() []models.AuditEvent {
	out := make([]models.AuditEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)].Clone())
	}
	return out
}

func (r *Ring) Len() int { return r.size }

func (r *Ring) Cap() int { return len(r.buf) }
