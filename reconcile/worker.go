package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/minter"
)

// Reconciler resolves the pending mint of one identity.
type Reconciler interface {
	Reconcile(ctx context.Context, subjectID string) (*minter.MintOutcome, error)
}

// Worker runs reconciliation tasks.
type Worker struct {
	reconciler Reconciler
	log        *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(reconciler Reconciler, log *slog.Logger) *Worker {
	return &Worker{reconciler: reconciler, log: log}
}

// Register installs the task handler on mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeMintReconcile, w.ProcessTask)
}

// ProcessTask reconciles one pending mint. It returns an error, and so asks
// asynq to retry later, while the outcome is still ambiguous or the ledger
// was unreachable. Outcomes that need an operator are not retried.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	retry, _ := asynq.GetRetryCount(ctx)
	log := w.log.With(
		slog.String("subject_id", p.SubjectID),
		slog.String("tx_hash", p.TxHash.Hex()),
		slog.Int("retry", retry))

	out, err := w.reconciler.Reconcile(ctx, p.SubjectID)
	switch interfaces.Classify(err) {
	case interfaces.OutcomeOK:
		switch {
		case out != nil && out.Result != nil:
			log.Info("Pending mint reconciled as minted")
		case out != nil && out.Cleared:
			log.Warn("Pending mint was dropped and cleared")
		default:
			log.Debug("Nothing to reconcile")
		}
		return nil
	case interfaces.OutcomeAmbiguous, interfaces.OutcomeRetryable:
		log.Info("Mint still unresolved, will retry", "err", err)
		return err
	default:
		log.Error("Mint reconciliation needs operator action", "err", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}

// NewServer creates an asynq server consuming the reconciliation queue.
func NewServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
	})
}
