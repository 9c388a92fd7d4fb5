package recovery

import (
	"sync"

	"sessiond/internal/domain"
)

// History is a bounded FIFO of handled error records. Inserting past the
// cap evicts the oldest entry. Records are never mutated after insertion.
type History struct {
	mu      sync.Mutex
	limit   int
	records []domain.ErrorRecord
}

// NewHistory creates a history bounded at limit entries.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit}
}

// Add appends a record, evicting the oldest entries past the cap.
func (h *History) Add(record domain.ErrorRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	if len(h.records) > h.limit {
		h.records = h.records[len(h.records)-h.limit:]
	}
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []domain.ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]domain.ErrorRecord, 0, n)
	for i := len(h.records) - 1; i >= len(h.records)-n; i-- {
		out = append(out, h.records[i])
	}
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
