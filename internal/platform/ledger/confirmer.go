package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/metrics"
)

// ConfirmerConfig bounds the anchoring loop.
type ConfirmerConfig struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// Deadline is the overall ceiling from enqueue to a final outcome.
	Deadline  time.Duration
	BatchSize int
}

// DefaultConfirmerConfig returns the production defaults.
func DefaultConfirmerConfig() ConfirmerConfig {
	return ConfirmerConfig{
		PollInterval: 5 * time.Second,
		CallTimeout:  10 * time.Second,
		MaxAttempts:  10,
		BackoffBase:  2 * time.Second,
		BackoffMax:   2 * time.Minute,
		Deadline:     30 * time.Minute,
		BatchSize:    50,
	}
}

func (c ConfirmerConfig) withDefaults() ConfirmerConfig {
	d := DefaultConfirmerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per attempt and capped at max.
func (c ConfirmerConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Confirmer submits queued commitments and polls them to a final outcome.
// It runs apart from the request path; Enqueue only touches the queue.
type Confirmer struct {
	client   Client
	queue    Queue
	recorder Recorder
	cfg      ConfirmerConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ConfirmerOption configures a Confirmer.
type ConfirmerOption func(*Confirmer)

func WithLogger(l zerolog.Logger) ConfirmerOption {
	return func(c *Confirmer) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) ConfirmerOption {
	return func(c *Confirmer) { c.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ConfirmerOption {
	return func(c *Confirmer) { c.now = now }
}

func NewConfirmer(client Client, queue Queue, recorder Recorder, cfg ConfirmerConfig, opts ...ConfirmerOption) *Confirmer {
	c := &Confirmer{
		client:   client,
		queue:    queue,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue schedules a new submission for immediate processing.
func (c *Confirmer) Enqueue(ctx context.Context, consentID, commitment string) error {
	now := c.now()
	return c.queue.Push(ctx, Job{
		ConsentID:   consentID,
		Commitment:  commitment,
		EnqueuedAt:  now,
		NextAttempt: now,
	})
}

// Resume re-enqueues a submission the ledger already accepted, so only
// polling remains.
func (c *Confirmer) Resume(ctx context.Context, consentID, commitment, handle string) error {
	now := c.now()
	return c.queue.Push(ctx, Job{
		ConsentID:   consentID,
		Commitment:  commitment,
		Handle:      handle,
		EnqueuedAt:  now,
		NextAttempt: now,
	})
}

// Start runs the loop in a goroutine until ctx is cancelled or Stop is
// called. Calling Start twice is a no-op.
func (c *Confirmer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		c.Run(ctx)
	}(c.done)
}

// Stop cancels the loop and waits for the in-flight batch to finish.
func (c *Confirmer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run processes due jobs every PollInterval until ctx is done.
func (c *Confirmer) Run(ctx context.Context) {
	c.logger.Info().Dur("poll_interval", c.cfg.PollInterval).Msg("anchoring confirmer started")
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("anchoring round failed")
		}
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("anchoring confirmer stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue claims and handles one batch of due jobs and returns how many
// were handled.
func (c *Confirmer) ProcessDue(ctx context.Context) (int, error) {
	// Jobs returned with an error were still removed from the queue and
	// must be handled before the error is reported.
	jobs, claimErr := c.queue.ClaimDue(ctx, c.now(), c.cfg.BatchSize)
	for _, job := range jobs {
		if ctx.Err() != nil {
			// hand unprocessed claims back for the next run
			if err := c.queue.Reschedule(context.WithoutCancel(ctx), job); err != nil {
				c.logger.Error().Err(err).Str("consent_id", job.ConsentID).Msg("requeue on shutdown")
			}
			continue
		}
		c.handle(ctx, job)
	}
	if n, err := c.queue.Len(ctx); err == nil {
		c.metrics.SetQueueDepth(n)
	}
	return len(jobs), claimErr
}

func (c *Confirmer) handle(ctx context.Context, job Job) {
	log := c.logger.With().Str("consent_id", job.ConsentID).Int("attempt", job.Attempts+1).Logger()

	if c.now().Sub(job.EnqueuedAt) > c.cfg.Deadline {
		c.fail(ctx, job, fmt.Sprintf("deadline of %s exceeded: %s", c.cfg.Deadline, job.LastError))
		return
	}

	if job.Handle == "" {
		handle, err := c.submit(ctx, job)
		if err != nil {
			log.Warn().Err(err).Msg("anchor submit failed")
			c.retry(ctx, job, err)
			return
		}
		job.Handle = handle
		job.Attempts = 0
		job.LastError = ""
		c.metrics.IncAnchor(metrics.AnchorSubmitted)
		if err := c.recorder.RecordSubmitted(ctx, job.ConsentID, handle); err != nil {
			log.Warn().Err(err).Msg("record submission failed")
		}
		job.NextAttempt = c.now().Add(c.cfg.BackoffBase)
		c.reschedule(ctx, job)
		return
	}

	conf, err := c.poll(ctx, job)
	if err != nil {
		log.Warn().Err(err).Msg("anchor poll failed")
		c.retry(ctx, job, err)
		return
	}

	switch conf.State {
	case StateConfirmed:
		if err := c.recorder.RecordConfirmed(ctx, job.ConsentID, conf.TxHash, conf.BlockNumber); err != nil {
			log.Warn().Err(err).Msg("record confirmation failed")
			c.retry(ctx, job, err)
			return
		}
		c.metrics.IncAnchor(metrics.AnchorConfirmed)
		log.Info().Str("tx_hash", conf.TxHash).Uint64("block_number", conf.BlockNumber).Msg("consent anchored")
	case StateFailed:
		c.fail(ctx, job, conf.Reason)
	default:
		c.retry(ctx, job, errors.New("not yet confirmed"))
	}
}

func (c *Confirmer) submit(ctx context.Context, job Job) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	handle, err := c.client.Submit(callCtx, job.ConsentID, job.Commitment)
	c.metrics.ObserveLedgerCall("submit", outcome(err), time.Since(start))
	return handle, err
}

func (c *Confirmer) poll(ctx context.Context, job Job) (Confirmation, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	conf, err := c.client.PollConfirmation(callCtx, job.Handle)
	c.metrics.ObserveLedgerCall("poll", outcome(err), time.Since(start))
	return conf, err
}

func (c *Confirmer) retry(ctx context.Context, job Job, cause error) {
	job.Attempts++
	job.LastError = cause.Error()
	if job.Attempts >= c.cfg.MaxAttempts {
		c.fail(ctx, job, fmt.Sprintf("gave up after %d attempts: %v", job.Attempts, cause))
		return
	}
	job.NextAttempt = c.now().Add(c.cfg.Backoff(job.Attempts))
	c.metrics.IncAnchor(metrics.AnchorRetried)
	c.reschedule(ctx, job)
}

func (c *Confirmer) fail(ctx context.Context, job Job, reason string) {
	c.logger.Warn().Str("consent_id", job.ConsentID).Str("reason", reason).Msg("anchoring abandoned")
	if err := c.recorder.RecordFailed(ctx, job.ConsentID, reason); err != nil {
		c.logger.Error().Err(err).Str("consent_id", job.ConsentID).Msg("record anchoring failure")
		// keep the job so the failure is recorded once the store is back
		job.NextAttempt = c.now().Add(c.cfg.BackoffMax)
		c.reschedule(ctx, job)
		return
	}
	c.metrics.IncAnchor(metrics.AnchorFailed)
}

func (c *Confirmer) reschedule(ctx context.Context, job Job) {
	if err := c.queue.Reschedule(context.WithoutCancel(ctx), job); err != nil {
		c.logger.Error().Err(err).Str("consent_id", job.ConsentID).Msg("reschedule anchoring job")
	}
}

func outcome(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeSuccess
}
