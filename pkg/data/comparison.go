package data

import (
	"database/sql"

	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/pkg/errors"
)

const (
	insertComparisonSQL = `INSERT INTO comparison (run_id, position, model, accuracy, precision, recall, f1, train_seconds, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectComparisonSQL = `SELECT model, accuracy, precision, recall, f1, train_seconds, error
		FROM comparison WHERE run_id = ? ORDER BY position`
)

// SaveComparison records a comparison run and its rows in order.
func SaveComparison(db *sql.DB, run *Run, rows []eval.ComparisonResult) error {
	if db == nil {
		return errDBNotInitialized
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := insertRun(tx, run); err != nil {
		rollbackTransaction(tx)
		return err
	}

	stmt, err := tx.Prepare(insertComparisonSQL)
	if err != nil {
		rollbackTransaction(tx)
		return errors.Wrap(err, "failed to prepare comparison insert statement")
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err = stmt.Exec(run.ID, i, r.Model, r.Accuracy, r.Precision, r.Recall, r.F1,
			r.TrainSeconds, nullString(r.Error)); err != nil {
			rollbackTransaction(tx)
			return errors.Wrapf(err, "error inserting comparison[%d]: %s", i, r.Model)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// GetComparison returns the rows recorded for a run.
func GetComparison(db *sql.DB, runID string) ([]eval.ComparisonResult, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	rs, err := db.Query(selectComparisonSQL, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query comparison for run %s", runID)
	}
	defer rs.Close()

	list := make([]eval.ComparisonResult, 0)
	for rs.Next() {
		var r eval.ComparisonResult
		var msg sql.NullString
		if err := rs.Scan(&r.Model, &r.Accuracy, &r.Precision, &r.Recall, &r.F1, &r.TrainSeconds, &msg); err != nil {
			return nil, errors.Wrap(err, "failed to scan comparison row")
		}
		r.Error = msg.String
		list = append(list, r)
	}
	return list, errors.Wrap(rs.Err(), "failed to read comparison rows")
}

// GetLatestComparison returns the most recent comparison or train run with
// its rows.
func GetLatestComparison(db *sql.DB) (*Run, []eval.ComparisonResult, error) {
	if db == nil {
		return nil, nil, errDBNotInitialized
	}
	var latest *Run
	for _, kind := range []string{RunCompare, RunTrain} {
		r, err := latestRun(db, kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if latest == nil || r.Created.After(latest.Created) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil, errors.Wrap(ErrNotFound, "no comparison runs")
	}
	rows, err := GetComparison(db, latest.ID)
	if err != nil {
		return nil, nil, err
	}
	return latest, rows, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
