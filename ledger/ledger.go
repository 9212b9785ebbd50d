// Package ledger keeps a sqlite index of training runs, their per-epoch metrics
// and the checkpoints they produced.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	started INTEGER NOT NULL,
	finished INTEGER,
	device TEXT NOT NULL,
	config TEXT NOT NULL,
	start_epoch INTEGER NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs(
	run_id TEXT NOT NULL REFERENCES runs(id),
	epoch INTEGER NOT NULL,
	lr REAL NOT NULL,
	train_loss REAL NOT NULL,
	train_correct INTEGER NOT NULL,
	train_total INTEGER NOT NULL,
	test_loss REAL NOT NULL,
	test_correct INTEGER NOT NULL,
	test_total INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	PRIMARY KEY(run_id, epoch)
);
CREATE TABLE IF NOT EXISTS checkpoints(
	run_id TEXT NOT NULL REFERENCES runs(id),
	epoch INTEGER NOT NULL,
	model_path TEXT NOT NULL,
	optimizer_path TEXT NOT NULL,
	ts INTEGER NOT NULL,
	PRIMARY KEY(run_id, epoch)
);`

// Run describes one invocation of the trainer.
type Run struct {
	ID         string
	Device     string
	Config     string
	StartEpoch int
}

// EpochRecord is one row of the epochs table.
type EpochRecord struct {
	Epoch        int
	LearningRate float64
	Train, Test  ml.EpochMetrics
}

type Ledger struct {
	db    *sql.DB
	runID string
}

// Open creates (or reuses) the database at path and registers run.
func Open(ctx context.Context, path string, run Run) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	// a single connection serialises writers on the file
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "open ledger")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create ledger schema")
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO runs(id, started, device, config, start_epoch, status) VALUES(?,?,?,?,?,?)",
		run.ID, time.Now().Unix(), run.Device, run.Config, run.StartEpoch, "running")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "register run")
	}
	return &Ledger{db: db, runID: run.ID}, nil
}

func (l *Ledger) RunID() string { return l.runID }

func (l *Ledger) RecordEpoch(ctx context.Context, rec EpochRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO epochs(run_id, epoch, lr, train_loss, train_correct, train_total,
			test_loss, test_correct, test_total, ts) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		l.runID, rec.Epoch, rec.LearningRate,
		rec.Train.Loss, rec.Train.Correct, rec.Train.Total,
		rec.Test.Loss, rec.Test.Correct, rec.Test.Total,
		time.Now().Unix())
	return errors.Wrapf(err, "record epoch %d", rec.Epoch)
}

func (l *Ledger) RecordCheckpoint(ctx context.Context, p checkpoint.Pair) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO checkpoints(run_id, epoch, model_path, optimizer_path, ts) VALUES(?,?,?,?,?)",
		l.runID, p.Epoch, p.ModelPath, p.OptimizerPath, time.Now().Unix())
	return errors.Wrapf(err, "record checkpoint %d", p.Epoch)
}

// Epochs returns the metrics recorded by this run, in epoch order.
func (l *Ledger) Epochs(ctx context.Context) ([]EpochRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT epoch, lr, train_loss, train_correct, train_total, test_loss, test_correct, test_total
		FROM epochs WHERE run_id = ? ORDER BY epoch ASC`, l.runID)
	if err != nil {
		return nil, errors.Wrap(err, "query epochs")
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var r EpochRecord
		if err := rows.Scan(&r.Epoch, &r.LearningRate,
			&r.Train.Loss, &r.Train.Correct, &r.Train.Total,
			&r.Test.Loss, &r.Test.Correct, &r.Test.Total); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		r.Train.Accuracy = accuracy(r.Train)
		r.Test.Accuracy = accuracy(r.Test)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query epochs")
}

func accuracy(m ml.EpochMetrics) float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Total)
}

// Checkpoints lists every checkpoint recorded in the database, across runs,
// ordered by epoch and then by insertion.
func (l *Ledger) Checkpoints(ctx context.Context) ([]checkpoint.Pair, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT epoch, model_path, optimizer_path FROM checkpoints ORDER BY epoch ASC, rowid ASC")
	if err != nil {
		return nil, errors.Wrap(err, "query checkpoints")
	}
	defer rows.Close()

	var out []checkpoint.Pair
	for rows.Next() {
		var p checkpoint.Pair
		if err := rows.Scan(&p.Epoch, &p.ModelPath, &p.OptimizerPath); err != nil {
			return nil, errors.Wrap(err, "scan checkpoint")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "query checkpoints")
}

// Finish marks the run with a terminal status ("completed", "failed", "cancelled").
func (l *Ledger) Finish(ctx context.Context, status string) error {
	_, err := l.db.ExecContext(ctx, "UPDATE runs SET status = ?, finished = ? WHERE id = ?",
		status, time.Now().Unix(), l.runID)
	return errors.Wrap(err, "finish run")
}

func (l *Ledger) Close() error { return l.db.Close() }
