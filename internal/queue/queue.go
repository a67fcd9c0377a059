package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Job states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	defaultPollInterval  = 250 * time.Millisecond
	defaultMaxAttempts   = 5
	defaultRetryDelay    = 2 * time.Second
	defaultCompletedKeep = 100
)

var (
	// ErrUnknownKind indicates a job was enqueued or claimed for a kind
	// with no registered handler.
	ErrUnknownKind     = errors.New("queue: unknown job kind")
	errMissingDatabase = errors.New("queue: database handle is required")
)

// Job is one persisted unit of asynchronous work. Jobs deliver
// at-least-once; handlers must be safe to reprocess.
type Job struct {
	Seq              int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	JobID            string `gorm:"column:job_id;size:64;not null;uniqueIndex:idx_jobs_job_id"`
	Kind             string `gorm:"column:kind;size:64;not null;index:idx_jobs_kind_state,priority:1"`
	State            string `gorm:"column:state;size:16;not null;default:'pending';index:idx_jobs_kind_state,priority:2"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	MaxAttempts      int    `gorm:"column:max_attempts;not null"`
	RunAfterSeconds  int64  `gorm:"column:run_after_s;not null;default:0"`
	LastError        string `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Job) TableName() string {
	return "jobs"
}

// HandlerFunc processes one claimed job.
type HandlerFunc func(ctx context.Context, job Job) error

// IDProvider issues unique job identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// BrokerConfig describes the queue broker dependencies and tuning.
type BrokerConfig struct {
	Database      *gorm.DB
	Logger        *zap.Logger
	Clock         func() time.Time
	IDs           IDProvider
	PollInterval  time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	CompletedKeep int
}

type registration struct {
	handler     HandlerFunc
	concurrency int
}

// Broker is a storage-backed at-least-once job broker: bounded worker
// pools per kind, one job per worker slot, linear-backoff retries, and a
// failed-job set retained for manual inspection.
type Broker struct {
	db            *gorm.DB
	logger        *zap.Logger
	clock         func() time.Time
	ids           IDProvider
	pollInterval  time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	completedKeep int
	handlers      map[string]registration
}

// NewBroker constructs a broker with defaults applied.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	completedKeep := cfg.CompletedKeep
	if completedKeep <= 0 {
		completedKeep = defaultCompletedKeep
	}
	return &Broker{
		db:            cfg.Database,
		logger:        logger,
		clock:         clock,
		ids:           ids,
		pollInterval:  pollInterval,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		completedKeep: completedKeep,
		handlers:      make(map[string]registration),
	}, nil
}

// Register binds a handler and worker-slot count to a job kind. Must be
// called before Run.
func (b *Broker) Register(kind string, concurrency int, handler HandlerFunc) {
	if concurrency <= 0 {
		concurrency = 1
	}
	b.handlers[kind] = registration{handler: handler, concurrency: concurrency}
}

// Enqueue inserts a job outside any caller transaction.
func (b *Broker) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	return b.EnqueueTx(b.db.WithContext(ctx), kind, payload)
}

// EnqueueTx inserts a job inside the caller's transaction so the job
// becomes visible if and only if the transaction commits.
func (b *Broker) EnqueueTx(tx *gorm.DB, kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	jobID, err := b.ids.NewID()
	if err != nil {
		return "", err
	}
	now := b.clock().UTC().Unix()
	job := Job{
		JobID:            jobID,
		Kind:             kind,
		State:            StatePending,
		PayloadJSON:      string(raw),
		MaxAttempts:      b.maxAttempts,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := tx.Create(&job).Error; err != nil {
		return "", fmt.Errorf("queue: insert job: %w", err)
	}
	return job.JobID, nil
}

// Run starts the worker pools and blocks until the context ends.
func (b *Broker) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for kind, reg := range b.handlers {
		for slot := 0; slot < reg.concurrency; slot++ {
			kind := kind
			group.Go(func() error {
				return b.workerLoop(groupCtx, kind)
			})
		}
	}
	return group.Wait()
}

func (b *Broker) workerLoop(ctx context.Context, kind string) error {
	for {
		processed, err := b.ProcessNext(ctx, kind)
		if err != nil {
			b.logger.Error("queue worker iteration failed",
				zap.String("kind", kind), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.pollInterval):
		}
	}
}

// ProcessNext claims and processes at most one due job of the given kind.
// It reports whether a job was processed.
func (b *Broker) ProcessNext(ctx context.Context, kind string) (bool, error) {
	reg, ok := b.handlers[kind]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	job, err := b.claim(ctx, kind)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	handlerErr := reg.handler(ctx, *job)
	if handlerErr == nil {
		if err := b.complete(ctx, job); err != nil {
			return true, err
		}
		return true, nil
	}

	b.logger.Warn("queue job failed",
		zap.String("kind", kind),
		zap.String("job_id", job.JobID),
		zap.Int("attempts", job.Attempts),
		zap.Error(handlerErr))
	if err := b.retryOrFail(ctx, job, handlerErr); err != nil {
		return true, err
	}
	return true, nil
}

// Drain processes registered kinds until a full pass finds no due work.
// Intended for tests and controlled shutdown.
func (b *Broker) Drain(ctx context.Context) error {
	for {
		processedAny := false
		for kind := range b.handlers {
			processed, err := b.ProcessNext(ctx, kind)
			if err != nil {
				return err
			}
			if processed {
				processedAny = true
			}
		}
		if !processedAny {
			return nil
		}
	}
}

// FailedJobs returns the failed-job set for a kind, oldest first.
func (b *Broker) FailedJobs(ctx context.Context, kind string) ([]Job, error) {
	var jobs []Job
	err := b.db.WithContext(ctx).
		Where("kind = ? AND state = ?", kind, StateFailed).
		Order("seq ASC").
		Find(&jobs).Error
	return jobs, err
}

// Replay moves a failed job back to pending for another run.
func (b *Broker) Replay(ctx context.Context, jobID string) error {
	result := b.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ? AND state = ?", jobID, StateFailed).
		Updates(map[string]any{
			"state":        StatePending,
			"attempts":     0,
			"run_after_s":  0,
			"last_error":   "",
			"updated_at_s": b.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// claim marks the earliest due pending job running. Claim order follows
// insertion order, which is what preserves per-room notification order.
func (b *Broker) claim(ctx context.Context, kind string) (*Job, error) {
	now := b.clock().UTC().Unix()
	var claimed *Job
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		err := tx.Where("kind = ? AND state = ? AND run_after_s <= ?", kind, StatePending, now).
			Order("seq ASC").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		job.State = StateRunning
		job.Attempts++
		job.UpdatedAtSeconds = now
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (b *Broker) complete(ctx context.Context, job *Job) error {
	now := b.clock().UTC().Unix()
	err := b.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", job.JobID).
		Updates(map[string]any{"state": StateCompleted, "updated_at_s": now}).Error
	if err != nil {
		return err
	}
	return b.pruneCompleted(ctx, job.Kind)
}

// pruneCompleted bounds the retained completed-job records per kind.
func (b *Broker) pruneCompleted(ctx context.Context, kind string) error {
	var cutoff Job
	err := b.db.WithContext(ctx).
		Where("kind = ? AND state = ?", kind, StateCompleted).
		Order("seq DESC").
		Offset(b.completedKeep).
		Take(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).
		Where("kind = ? AND state = ? AND seq <= ?", kind, StateCompleted, cutoff.Seq).
		Delete(&Job{}).Error
}

func (b *Broker) retryOrFail(ctx context.Context, job *Job, cause error) error {
	now := b.clock().UTC().Unix()
	updates := map[string]any{
		"last_error":   cause.Error(),
		"updated_at_s": now,
	}
	if job.Attempts >= job.MaxAttempts {
		updates["state"] = StateFailed
	} else {
		updates["state"] = StatePending
		updates["run_after_s"] = now + int64(b.retryDelay.Seconds())*int64(job.Attempts)
	}
	return b.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", job.JobID).
		Updates(updates).Error
}
