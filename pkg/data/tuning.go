package data

import (
	"database/sql"
	"encoding/json"

	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/tune"
	"github.com/pkg/errors"
)

const (
	insertTuningSQL = `INSERT INTO tuning (run_id, variant, metric, folds, best_params, best_score, test_accuracy, test_f1, points)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectTuningSQL = `SELECT variant, metric, folds, best_params, best_score, test_accuracy, test_f1, points
		FROM tuning WHERE run_id = ?`
)

// Tuning is a persisted search outcome.
type Tuning struct {
	Run          *Run               `json:"run" yaml:"run"`
	Variant      string             `json:"variant" yaml:"variant"`
	Metric       string             `json:"metric" yaml:"metric"`
	Folds        int                `json:"folds" yaml:"folds"`
	Best         model.Hyperparams  `json:"best_params" yaml:"bestParams"`
	BestScore    float64            `json:"best_cv_score" yaml:"bestCvScore"`
	TestAccuracy float64            `json:"test_accuracy" yaml:"testAccuracy"`
	TestF1       float64            `json:"test_f1" yaml:"testF1"`
	Points       []tune.PointResult `json:"points" yaml:"points"`
}

// SaveTuning records a tuning run.
func SaveTuning(db *sql.DB, run *Run, res *tune.Result) error {
	if db == nil {
		return errDBNotInitialized
	}
	if res == nil {
		return errors.New("nil tuning result")
	}

	best, err := json.Marshal(res.Best)
	if err != nil {
		return errors.Wrap(err, "failed to marshal best params")
	}
	points, err := json.Marshal(res.Points)
	if err != nil {
		return errors.Wrap(err, "failed to marshal grid points")
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := insertRun(tx, run); err != nil {
		rollbackTransaction(tx)
		return err
	}
	if _, err := tx.Exec(insertTuningSQL, run.ID, res.Variant, res.Metric, res.Folds, string(best),
		res.BestScore, res.Test.Accuracy, res.Test.F1, string(points)); err != nil {
		rollbackTransaction(tx)
		return errors.Wrapf(err, "error inserting tuning for run %s", run.ID)
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// GetLatestTuning returns the most recent tuning run.
func GetLatestTuning(db *sql.DB) (*Tuning, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	run, err := latestRun(db, RunTune)
	if err != nil {
		return nil, err
	}

	t := &Tuning{Run: run}
	var best, points string
	if err := db.QueryRow(selectTuningSQL, run.ID).Scan(&t.Variant, &t.Metric, &t.Folds, &best,
		&t.BestScore, &t.TestAccuracy, &t.TestF1, &points); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "tuning for run %s", run.ID)
		}
		return nil, errors.Wrap(err, "failed to scan tuning")
	}
	if err := json.Unmarshal([]byte(best), &t.Best); err != nil {
		return nil, errors.Wrap(err, "failed to decode best params")
	}
	if err := json.Unmarshal([]byte(points), &t.Points); err != nil {
		return nil, errors.Wrap(err, "failed to decode grid points")
	}
	return t, nil
}
