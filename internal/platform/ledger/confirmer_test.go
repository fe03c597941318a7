package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomeRecorder struct {
	mu        sync.Mutex
	submitted map[string]string
	confirmed map[string]string
	blocks    map[string]uint64
	failed    map[string]string
	failErr   error
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{
		submitted: map[string]string{},
		confirmed: map[string]string{},
		blocks:    map[string]uint64{},
		failed:    map[string]string{},
	}
}

func (r *outcomeRecorder) RecordSubmitted(_ context.Context, id, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted[id] = handle
	return nil
}

func (r *outcomeRecorder) RecordConfirmed(_ context.Context, id, txHash string, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed[id] = txHash
	r.blocks[id] = block
	return nil
}

func (r *outcomeRecorder) RecordFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.failed[id] = reason
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() ConfirmerConfig {
	return ConfirmerConfig{
		PollInterval: 10 * time.Millisecond,
		CallTimeout:  time.Second,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffMax:   4 * time.Second,
		Deadline:     time.Hour,
		BatchSize:    10,
	}
}

// drain advances the clock and processes until the queue is empty or
// rounds run out.
func drain(t *testing.T, c *Confirmer, clock *fakeClock, q Queue, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		_, err := c.ProcessDue(ctx)
		require.NoError(t, err)
		n, err := q.Len(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
		clock.Advance(5 * time.Second)
	}
}

func TestConfirmer_ConfirmsSubmission(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(2)
	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	c := NewConfirmer(l, q, rec, testConfig(), WithClock(clock.Now))

	require.NoError(t, c.Enqueue(context.Background(), "c1", testCommitment("c1")))
	drain(t, c, clock, q, 10)

	assert.NotEmpty(t, rec.submitted["c1"])
	assert.Equal(t, rec.submitted["c1"], rec.confirmed["c1"])
	assert.Equal(t, uint64(1), rec.blocks["c1"])
	assert.Empty(t, rec.failed)
	assert.Equal(t, 1, l.SubmitCalls())
}

func TestConfirmer_GivesUpAfterMaxAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(1)
	l.FailSubmissions("ledger down")
	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	c := NewConfirmer(l, q, rec, testConfig(), WithClock(clock.Now))

	require.NoError(t, c.Enqueue(context.Background(), "c1", testCommitment("c1")))
	drain(t, c, clock, q, 10)

	assert.Equal(t, 3, l.SubmitCalls())
	assert.Contains(t, rec.failed["c1"], "gave up after 3 attempts")
	assert.Empty(t, rec.confirmed)
}

func TestConfirmer_Deadline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	cfg := testConfig()
	cfg.Deadline = time.Minute
	c := NewConfirmer(NewMemoryLedger(1), q, rec, cfg, WithClock(clock.Now))

	require.NoError(t, c.Enqueue(context.Background(), "c1", testCommitment("c1")))
	clock.Advance(2 * time.Minute)
	_, err := c.ProcessDue(context.Background())
	require.NoError(t, err)

	assert.Contains(t, rec.failed["c1"], "deadline")
	assert.Empty(t, rec.submitted)
}

func TestConfirmer_ResumePollsWithoutResubmitting(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(1)
	handle, err := l.Submit(context.Background(), "c1", testCommitment("c1"))
	require.NoError(t, err)

	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	c := NewConfirmer(l, q, rec, testConfig(), WithClock(clock.Now))
	require.NoError(t, c.Resume(context.Background(), "c1", testCommitment("c1"), handle))
	drain(t, c, clock, q, 5)

	assert.Equal(t, handle, rec.confirmed["c1"])
	assert.Equal(t, 1, l.SubmitCalls(), "resumed job must not be resubmitted")
}

func TestConfirmer_FailedConfirmation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	c := NewConfirmer(NewMemoryLedger(1), q, rec, testConfig(), WithClock(clock.Now))

	require.NoError(t, c.Resume(context.Background(), "c1", testCommitment("c1"), "0xunknown"))
	drain(t, c, clock, q, 3)
	assert.Equal(t, ErrUnknownHandle.Error(), rec.failed["c1"])
}

func TestConfirmer_KeepsJobWhenFailureCannotBeRecorded(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	rec.failErr = errors.New("store down")
	c := NewConfirmer(NewMemoryLedger(1), q, rec, testConfig(), WithClock(clock.Now))

	require.NoError(t, c.Resume(context.Background(), "c1", testCommitment("c1"), "0xunknown"))
	_, err := c.ProcessDue(context.Background())
	require.NoError(t, err)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConfirmer_StartStop(t *testing.T) {
	q := NewMemoryQueue()
	rec := newOutcomeRecorder()
	c := NewConfirmer(NewMemoryLedger(1), q, rec, ConfirmerConfig{
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   time.Millisecond,
	})

	c.Start(context.Background())
	c.Start(context.Background())
	require.NoError(t, c.Enqueue(context.Background(), "c1", testCommitment("c1")))

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.confirmed["c1"] != ""
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestBackoff(t *testing.T) {
	cfg := ConfirmerConfig{BackoffBase: time.Second, BackoffMax: 10 * time.Second}
	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 8*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(5))
	assert.Equal(t, 10*time.Second, cfg.Backoff(50))
}

// partialClaimQueue returns its claimed jobs together with an error.
type partialClaimQueue struct {
	*MemoryQueue
}

func (q partialClaimQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	jobs, _ := q.MemoryQueue.ClaimDue(ctx, now, limit)
	return jobs, errors.New("decode failure")
}

func TestConfirmer_HandlesJobsClaimedAlongsideError(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(1)
	q := partialClaimQueue{NewMemoryQueue()}
	rec := newOutcomeRecorder()
	c := NewConfirmer(l, q, rec, testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, "c1", testCommitment("c1")))
	n, err := c.ProcessDue(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.NotEmpty(t, rec.submitted["c1"], "claimed job must be submitted")

	depth, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "job is rescheduled for its confirmation poll")
}
