package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Job is one outstanding anchoring submission, keyed by ConsentID. An empty
// Handle means the commitment has not been accepted by the ledger yet.
type Job struct {
	ConsentID   string    `json:"consentId"`
	Commitment  string    `json:"commitment"`
	Handle      string    `json:"handle,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	NextAttempt time.Time `json:"nextAttempt"`
}

// Queue holds outstanding jobs ordered by NextAttempt. ClaimDue removes the
// jobs it returns, so a job is processed by one claimer at a time.
type Queue interface {
	// Push adds job unless one with the same ConsentID is queued.
	Push(ctx context.Context, job Job) error
	// Reschedule adds or replaces job.
	Reschedule(ctx context.Context, job Job) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a process-local Queue.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]Job)}
}

func (q *MemoryQueue) Push(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ConsentID]; ok {
		return nil
	}
	q.jobs[job.ConsentID] = job
	return nil
}

func (q *MemoryQueue) Reschedule(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ConsentID] = job
	return nil
}

func (q *MemoryQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Job
	for _, j := range q.jobs {
		if !j.NextAttempt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextAttempt.Before(due[k].NextAttempt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		delete(q.jobs, j.ConsentID)
	}
	return due, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}
