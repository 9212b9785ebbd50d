package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/janpfeifer/must"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

func TestLedgerRecordsEpochsAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.sqlite3")
	l := must.M1(Open(ctx, path, Run{ID: uuid.NewString(), Device: "cpu", Config: "{}", StartEpoch: 1}))
	defer l.Close()

	for e := 1; e <= 3; e++ {
		must.M(l.RecordEpoch(ctx, EpochRecord{
			Epoch:        e,
			LearningRate: 0.01,
			Train:        ml.EpochMetrics{Loss: 1.0 / float64(e), Correct: e, Total: 4},
			Test:         ml.EpochMetrics{Loss: 2.0 / float64(e), Correct: 1, Total: 2},
		}))
	}
	must.M(l.RecordCheckpoint(ctx, checkpoint.Pair{Epoch: 2, ModelPath: "m2", OptimizerPath: "o2"}))

	epochs := must.M1(l.Epochs(ctx))
	if len(epochs) != 3 {
		t.Fatalf("got %d epochs", len(epochs))
	}
	if e := epochs[2]; e.Epoch != 3 || e.Train.Correct != 3 || e.Train.Accuracy != 0.75 || e.Test.Accuracy != 0.5 {
		t.Fatalf("epoch 3 = %+v", e)
	}
	if err := l.RecordEpoch(ctx, EpochRecord{Epoch: 3}); err == nil {
		t.Fatal("duplicate epoch accepted")
	}

	pairs := must.M1(l.Checkpoints(ctx))
	if len(pairs) != 1 || pairs[0].Epoch != 2 || pairs[0].ModelPath != "m2" {
		t.Fatalf("checkpoints = %+v", pairs)
	}
	must.M(l.Finish(ctx, "completed"))
}

func TestLedgerIsSharedAcrossRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.sqlite3")

	first := must.M1(Open(ctx, path, Run{ID: "first", Device: "cpu", Config: "{}", StartEpoch: 1}))
	must.M(first.RecordCheckpoint(ctx, checkpoint.Pair{Epoch: 1, ModelPath: "m1", OptimizerPath: "o1"}))
	must.M(first.Close())

	second := must.M1(Open(ctx, path, Run{ID: "second", Device: "cpu", Config: "{}", StartEpoch: 2}))
	defer second.Close()
	must.M(second.RecordCheckpoint(ctx, checkpoint.Pair{Epoch: 2, ModelPath: "m2", OptimizerPath: "o2"}))

	pairs := must.M1(second.Checkpoints(ctx))
	if len(pairs) != 2 || pairs[0].Epoch != 1 || pairs[1].Epoch != 2 {
		t.Fatalf("checkpoints = %+v", pairs)
	}
	if epochs := must.M1(second.Epochs(ctx)); len(epochs) != 0 {
		t.Fatalf("second run sees %d epochs of the first", len(epochs))
	}

	if _, err := Open(ctx, path, Run{ID: "second", Device: "cpu", Config: "{}"}); err == nil {
		t.Fatal("duplicate run id accepted")
	}
}

func TestLedgerKeepsSameEpochFromDifferentRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.sqlite3")

	a := must.M1(Open(ctx, path, Run{ID: "a", Device: "cpu", Config: "{}", StartEpoch: 1}))
	must.M(a.RecordCheckpoint(ctx, checkpoint.Pair{Epoch: 1, ModelPath: "a/m1", OptimizerPath: "a/o1"}))
	if err := a.RecordCheckpoint(ctx, checkpoint.Pair{Epoch: 1, ModelPath: "a/m1", OptimizerPath: "a/o1"}); err == nil {
		t.Fatal("same run recorded epoch 1 twice")
	}
	must.M(a.Close())

	b := must.M1(Open(ctx, path, Run{ID: "b", Device: "cpu", Config: "{}", StartEpoch: 1}))
	defer b.Close()
	must.M(b.RecordCheckpoint(ctx, checkpoint.Pair{Epoch: 1, ModelPath: "b/m1", OptimizerPath: "b/o1"}))

	pairs := must.M1(b.Checkpoints(ctx))
	if len(pairs) != 2 || pairs[0].ModelPath != "a/m1" || pairs[1].ModelPath != "b/m1" {
		t.Fatalf("checkpoints = %+v", pairs)
	}
}
