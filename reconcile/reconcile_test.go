package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hibiken/asynq"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/minter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTx = common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReconciler struct {
	out      *minter.MintOutcome
	err      error
	subjects []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, subjectID string) (*minter.MintOutcome, error) {
	f.subjects = append(f.subjects, subjectID)
	return f.out, f.err
}

func TestNewTask(t *testing.T) {
	task, err := NewTask("user-1", testTx)
	require.NoError(t, err)
	assert.Equal(t, TypeMintReconcile, task.Type())

	var p Payload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "user-1", p.SubjectID)
	assert.Equal(t, testTx, p.TxHash)
}

func TestEnqueuerSchedulesOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()

	e := NewEnqueuer(client, testLogger())
	require.NoError(t, e.ScheduleReconcile(context.Background(), "user-1", testTx))
	assert.NotEmpty(t, mr.Keys())

	// Same subject and transaction conflicts on the task id and is accepted.
	require.NoError(t, e.ScheduleReconcile(context.Background(), "user-1", testTx))

	scheduled, err := mr.ZMembers("asynq:{" + QueueName + "}:scheduled")
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestEnqueuerRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	err := NewEnqueuer(client, testLogger()).ScheduleReconcile(context.Background(), "user-1", testTx)
	assert.Error(t, err)
}

func TestWorkerProcessTask(t *testing.T) {
	tests := []struct {
		name      string
		out       *minter.MintOutcome
		err       error
		wantErr   bool
		skipRetry bool
	}{
		{
			name: "minted",
			out:  &minter.MintOutcome{Result: &interfaces.MintResult{TokenID: big.NewInt(1), TxHash: testTx}},
		},
		{
			name: "cleared",
			out:  &minter.MintOutcome{Cleared: true},
		},
		{
			name: "nothing pending",
			out:  &minter.MintOutcome{},
		},
		{
			name:    "still pending",
			err:     &minter.AmbiguousError{SubjectID: "user-1", TxHash: testTx},
			wantErr: true,
		},
		{
			name:    "ledger unreachable",
			err:     interfaces.Errorf(interfaces.ErrExternalService, "ledger.ReceiptFor", "connection refused"),
			wantErr: true,
		},
		{
			name:      "reverted",
			err:       &minter.ExecutionError{SubjectID: "user-1", TxHash: testTx},
			wantErr:   true,
			skipRetry: true,
		},
		{
			name:      "token owned by another wallet",
			err:       interfaces.Errorf(interfaces.ErrConflict, "minter.Reconcile", "token held by another wallet"),
			wantErr:   true,
			skipRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{out: tt.out, err: tt.err}
			w := NewWorker(rec, testLogger())

			task, err := NewTask("user-1", testTx)
			require.NoError(t, err)

			err = w.ProcessTask(context.Background(), task)
			assert.Equal(t, []string{"user-1"}, rec.subjects)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestWorkerBadPayload(t *testing.T) {
	rec := &fakeReconciler{}
	w := NewWorker(rec, testLogger())

	err := w.ProcessTask(context.Background(), asynq.NewTask(TypeMintReconcile, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, rec.subjects)
}

func TestConnOpt(t *testing.T) {
	opt, err := ConnOpt("redis://localhost:6379/2")
	require.NoError(t, err)
	client, ok := opt.(asynq.RedisClientOpt)
	require.True(t, ok)
	assert.Equal(t, "localhost:6379", client.Addr)
	assert.Equal(t, 2, client.DB)

	_, err = ConnOpt("http://localhost")
	assert.Error(t, err)
}
