package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hibiken/asynq"
)

const (
	// TypeMintReconcile is the asynq task type of a pending mint check.
	TypeMintReconcile = "mint:reconcile"
	// QueueName is the queue reconciliation tasks run on.
	QueueName = "reconcile"

	// DefaultDelay is how long after an ambiguous outcome the first check runs.
	DefaultDelay = 30 * time.Second
	// DefaultMaxRetry bounds how often a still-ambiguous mint is rechecked.
	DefaultMaxRetry = 10
)

// Payload identifies the identity and transaction to reconcile.
type Payload struct {
	SubjectID string      `json:"subject_id"`
	TxHash    common.Hash `json:"tx_hash"`
}

// NewTask builds a reconciliation task. The task id is derived from subject
// and transaction, so scheduling the same check twice enqueues it once.
func NewTask(subjectID string, txHash common.Hash, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(Payload{SubjectID: subjectID, TxHash: txHash})
	if err != nil {
		return nil, err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(taskID(subjectID, txHash)),
		asynq.Queue(QueueName),
	}
	return asynq.NewTask(TypeMintReconcile, payload, append(taskOptions, opts...)...), nil
}

func taskID(subjectID string, txHash common.Hash) string {
	return fmt.Sprintf("%s:%s:%s", TypeMintReconcile, subjectID, txHash.Hex())
}

// Enqueuer schedules reconciliation tasks. It implements
// minter.ReconcileScheduler.
type Enqueuer struct {
	client   *asynq.Client
	delay    time.Duration
	maxRetry int
	log      *slog.Logger
}

// NewEnqueuer creates an enqueuer with the default delay and retry budget.
func NewEnqueuer(client *asynq.Client, log *slog.Logger) *Enqueuer {
	return &Enqueuer{
		client:   client,
		delay:    DefaultDelay,
		maxRetry: DefaultMaxRetry,
		log:      log,
	}
}

// ScheduleReconcile enqueues a delayed check of txHash. An identical task
// that is already queued is not an error.
func (e *Enqueuer) ScheduleReconcile(ctx context.Context, subjectID string, txHash common.Hash) error {
	task, err := NewTask(subjectID, txHash, asynq.ProcessIn(e.delay), asynq.MaxRetry(e.maxRetry))
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, task)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		e.log.Debug("Reconciliation already scheduled", slog.String("subject_id", subjectID), slog.String("tx_hash", txHash.Hex()))
		return nil
	case err != nil:
		return fmt.Errorf("enqueue reconciliation: %w", err)
	}

	e.log.Info("Scheduled mint reconciliation",
		slog.String("subject_id", subjectID),
		slog.String("tx_hash", txHash.Hex()),
		slog.String("task_id", info.ID),
		slog.Time("process_at", info.NextProcessAt))
	return nil
}

// ConnOpt parses a redis:// URL into asynq connection options.
func ConnOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opt, nil
}
