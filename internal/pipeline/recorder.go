package pipeline

import (
	"sync"
	"time"
)

const (
	defaultRecorderSize = 1000

	// promptExcerptLen bounds the prompt text kept per record; full
	// prompts may contain the very secrets being flagged.
	promptExcerptLen = 200
)

// Record summarizes one flagged validation for the recent-detections
// endpoint. Records are held in memory only.
type Record struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	PolicyID       string    `json:"policy_id"`
	PromptExcerpt  string    `json:"prompt_excerpt"`
	DetectionCount int       `json:"detection_count"`
	Categories     []string  `json:"categories,omitempty"`
	MaxSeverity    string    `json:"max_severity,omitempty"`
	Message        string    `json:"message"`
}

// Recorder keeps the most recent flagged validations in a fixed-size
// ring. Oldest entries are overwritten once the ring is full.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
}

// NewRecorder creates a recorder holding up to size records.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = defaultRecorderSize
	}
	return &Recorder{records: make([]Record, size)}
}

// Add stores a record, evicting the oldest when full.
func (r *Recorder) Add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (r *Recorder) Recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.records)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.records)) % len(r.records)
		out = append(out, r.records[idx])
	}
	return out
}

// Len returns the number of records currently held.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.records)
	}
	return r.next
}

func excerpt(prompt string) string {
	if len(prompt) <= promptExcerptLen {
		return prompt
	}
	return prompt[:promptExcerptLen] + "..."
}
