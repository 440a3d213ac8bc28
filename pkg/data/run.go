package data

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Run kinds.
const (
	RunCompare = "compare"
	RunTrain   = "train"
	RunTune    = "tune"
)

const (
	insertRunSQL = `INSERT INTO run (id, kind, created, dataset, records, test_fraction, seed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectLatestRunSQL = `SELECT id, kind, created, dataset, records, test_fraction, seed
		FROM run WHERE kind = ? ORDER BY created DESC, rowid DESC LIMIT 1`

	selectRunSQL = `SELECT id, kind, created, dataset, records, test_fraction, seed
		FROM run WHERE id = ?`
)

// Run describes one invocation against a dataset partition.
type Run struct {
	ID           string    `json:"id" yaml:"id"`
	Kind         string    `json:"kind" yaml:"kind"`
	Created      time.Time `json:"created" yaml:"created"`
	Dataset      string    `json:"dataset" yaml:"dataset"`
	Records      int       `json:"records" yaml:"records"`
	TestFraction float64   `json:"test_fraction" yaml:"testFraction"`
	Seed         int64     `json:"seed" yaml:"seed"`
}

// NewRun returns a run with a fresh identifier.
func NewRun(kind, dataset string, records int, fraction float64, seed int64) *Run {
	return &Run{
		ID:           uuid.NewString(),
		Kind:         kind,
		Created:      time.Now().UTC(),
		Dataset:      dataset,
		Records:      records,
		TestFraction: fraction,
		Seed:         seed,
	}
}

func insertRun(tx *sql.Tx, r *Run) error {
	if r == nil || r.ID == "" {
		return errors.New("run with id required")
	}
	if r.Created.IsZero() {
		r.Created = time.Now().UTC()
	}
	if _, err := tx.Exec(insertRunSQL, r.ID, r.Kind, r.Created.UTC().Format(timeFormat),
		r.Dataset, r.Records, r.TestFraction, r.Seed); err != nil {
		return errors.Wrapf(err, "error inserting run %s", r.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var created string
	if err := row.Scan(&r.ID, &r.Kind, &created, &r.Dataset, &r.Records, &r.TestFraction, &r.Seed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to scan run")
	}
	r.Created = parseTime(created)
	return r, nil
}

func latestRun(db *sql.DB, kind string) (*Run, error) {
	r, err := scanRun(db.QueryRow(selectLatestRunSQL, kind))
	if err != nil {
		return nil, errors.Wrapf(err, "latest %s run", kind)
	}
	return r, nil
}

// GetRun returns the run with the given identifier.
func GetRun(db *sql.DB, id string) (*Run, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	r, err := scanRun(db.QueryRow(selectRunSQL, id))
	if err != nil {
		return nil, errors.Wrapf(err, "run %s", id)
	}
	return r, nil
}
