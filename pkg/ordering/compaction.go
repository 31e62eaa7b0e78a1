package ordering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorteia/sorteia/pkg/telemetry"
)

// CompactionMode selects when compaction runs relative to the mutation that
// requested it.
type CompactionMode string

const (
	// CompactionAsync queues the task for a background worker.
	CompactionAsync CompactionMode = "async"

	// CompactionSync runs the task before the mutating call returns.
	CompactionSync CompactionMode = "sync"
)

// ErrCompactorClosed is returned when enqueueing on a closed compactor.
var ErrCompactorClosed = errors.New("compactor closed")

// CompactorConfig configures the compaction queue.
type CompactorConfig struct {
	Mode         CompactionMode `yaml:"mode" validate:"oneof=async sync"`
	Workers      int            `yaml:"workers" validate:"min=1"`
	Buffer       int            `yaml:"buffer" validate:"min=0"`
	MaxRetries   int            `yaml:"max_retries" validate:"min=0"`
	RetryBackoff time.Duration  `yaml:"retry_backoff"`
	TaskTimeout  time.Duration  `yaml:"task_timeout"`
}

// DefaultCompactorConfig returns the default queue settings.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		Mode:         CompactionAsync,
		Workers:      4,
		Buffer:       256,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		TaskTimeout:  30 * time.Second,
	}
}

// Task is one request to renumber a partition.
type Task struct {
	ID         string
	Partition  Partition
	EnqueuedAt time.Time
}

// Compactor closes the gaps deletions leave in a partition. Tasks are
// delivered at least once and are idempotent: each attempt renumbers a fresh
// snapshot of the partition to 0..k-1 in read order inside one store
// transaction, which never changes the order itself.
type Compactor struct {
	store  OrderStore
	cfg    CompactorConfig
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	queue   chan Task
	pending tracker

	mu     sync.RWMutex
	closed bool

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCompactor creates a compactor and starts its workers when cfg.Mode is
// async. A nil tel disables instrumentation.
func NewCompactor(store OrderStore, cfg CompactorConfig, tel *telemetry.Telemetry) *Compactor {
	def := DefaultCompactorConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Compactor{
		store:  store,
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("compactor"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Mode == CompactionAsync {
		c.queue = make(chan Task, cfg.Buffer)
		for i := 0; i < cfg.Workers; i++ {
			c.workers.Add(1)
			go c.work()
		}
	}

	return c
}

// Mode returns the configured compaction mode.
func (c *Compactor) Mode() CompactionMode {
	return c.cfg.Mode
}

// Enqueue schedules compaction of p. In sync mode the task runs before
// Enqueue returns. In async mode Enqueue blocks only while the buffer is
// full. Task failures are logged, never returned; the returned error only
// reports that the task could not be scheduled.
func (c *Compactor) Enqueue(ctx context.Context, p Partition) error {
	task := Task{
		ID:         uuid.New().String(),
		Partition:  p,
		EnqueuedAt: time.Now(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCompactorClosed
	}

	if c.cfg.Mode == CompactionSync {
		c.process(task)
		return nil
	}

	c.pending.add()
	select {
	case c.queue <- task:
		c.tel.Metrics.SetCompactionQueueDepth(len(c.queue))
		return nil
	case <-ctx.Done():
		c.pending.done()
		c.logger.WithPartition(p.OwnerID, p.Collection).WithError(ctx.Err()).
			Warn("compaction not scheduled, partition may keep a gap until the next compaction")
		return ctx.Err()
	}
}

// CompactNow renumbers p on the calling goroutine and returns the number of
// records that moved.
func (c *Compactor) CompactNow(ctx context.Context, p Partition) (int, error) {
	return c.store.Rewrite(ctx, p, PlanCompaction)
}

// Flush blocks until every queued task has finished or ctx is done.
func (c *Compactor) Flush(ctx context.Context) error {
	return c.pending.wait(ctx)
}

// Close stops accepting tasks, lets workers drain the queue and waits for
// them. If ctx expires first, in-flight tasks are cancelled.
func (c *Compactor) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.queue != nil {
		close(c.queue)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return fmt.Errorf("compactor shutdown: %w", ctx.Err())
	}
}

func (c *Compactor) work() {
	defer c.workers.Done()

	for task := range c.queue {
		c.tel.Metrics.SetCompactionQueueDepth(len(c.queue))
		c.process(task)
		c.pending.done()
	}
}

// process runs task with retries and exponential backoff.
func (c *Compactor) process(task Task) {
	logger := c.logger.WithPartition(task.Partition.OwnerID, task.Partition.Collection).
		WithField("task_id", task.ID)

	var (
		rewritten int
		err       error
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		rewritten, err = c.attempt(task, attempt)
		if err == nil {
			break
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		c.tel.Metrics.RecordCompactionRetry()
		_ = c.tel.Events.PublishCompactionRequeued(task.Partition.OwnerID, task.Partition.Collection, attempt+1, err)
		backoff := c.backoff(attempt)
		logger.WithError(err).Warnf("compaction attempt %d/%d failed, retrying in %s",
			attempt+1, c.cfg.MaxRetries+1, backoff)

		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			err = fmt.Errorf("compaction abandoned: %w", c.ctx.Err())
			attempt = c.cfg.MaxRetries
		}
	}

	if err != nil {
		logger.WithError(err).Error("compaction failed, positions may stay non-contiguous until the next compaction")
		c.tel.Metrics.RecordCompaction("failed", 0)
		_ = c.tel.Events.PublishCompaction(task.Partition.OwnerID, task.Partition.Collection, 0, err)
		return
	}

	logger.WithField("rewritten", rewritten).
		WithField("latency", time.Since(task.EnqueuedAt).String()).
		Debug("compaction completed")
	c.tel.Metrics.RecordCompaction("completed", rewritten)
	_ = c.tel.Events.PublishCompaction(task.Partition.OwnerID, task.Partition.Collection, rewritten, nil)
}

func (c *Compactor) attempt(task Task, attempt int) (int, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TaskTimeout)
	defer cancel()

	ctx, span := c.tel.Tracer.StartCompactionSpan(ctx, task.ID,
		task.Partition.OwnerID, task.Partition.Collection, attempt)
	defer span.End()

	n, err := c.CompactNow(ctx, task.Partition)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	telemetry.RecordSuccess(span)
	return n, nil
}

// backoff returns RetryBackoff * 2^attempt, capped at 30s.
func (c *Compactor) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.RetryBackoff) * math.Pow(2, float64(attempt)))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// tracker counts in-flight tasks and wakes waiters when the count drops to zero.
type tracker struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
