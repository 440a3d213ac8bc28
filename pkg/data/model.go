package data

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
)

const (
	insertModelSQL = `INSERT INTO model (id, run_id, created, variant, contract_version, params, train_seconds, path, artifact)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectModelColumns = `SELECT id, run_id, created, variant, contract_version, params, train_seconds, path`

	selectLatestModelSQL = selectModelColumns + `, artifact FROM model ORDER BY created DESC, rowid DESC LIMIT 1`

	selectModelsSQL = selectModelColumns + ` FROM model ORDER BY created DESC, rowid DESC LIMIT ?`
)

// ModelEntry describes a registered artifact.
type ModelEntry struct {
	ID           string            `json:"id" yaml:"id"`
	RunID        string            `json:"run_id" yaml:"runId"`
	Created      time.Time         `json:"created" yaml:"created"`
	Variant      string            `json:"variant" yaml:"variant"`
	Version      string            `json:"contract_version" yaml:"contractVersion"`
	Params       model.Hyperparams `json:"params" yaml:"params"`
	TrainSeconds float64           `json:"train_seconds" yaml:"trainSeconds"`
	Path         string            `json:"path" yaml:"path"`
}

// RegisterModel stores the artifact of m under an existing run. Path is
// where the artifact file was written, if anywhere.
func RegisterModel(db *sql.DB, runID string, m *model.TrainedModel, path string) (*ModelEntry, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	if m == nil {
		return nil, errors.New("nil model")
	}

	blob, err := model.Marshal(m)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(m.Params())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	e := &ModelEntry{
		ID:           uuid.NewString(),
		RunID:        runID,
		Created:      time.Now().UTC(),
		Variant:      m.Variant(),
		Version:      m.Version(),
		Params:       m.Params(),
		TrainSeconds: m.TrainTime().Seconds(),
		Path:         path,
	}
	if _, err := db.Exec(insertModelSQL, e.ID, e.RunID, e.Created.Format(timeFormat), e.Variant,
		e.Version, string(params), e.TrainSeconds, e.Path, blob); err != nil {
		return nil, errors.Wrapf(err, "error inserting model %s for run %s", e.Variant, runID)
	}
	return e, nil
}

// GetLatestModel returns the most recently registered model.
func GetLatestModel(db *sql.DB) (*ModelEntry, *model.TrainedModel, error) {
	if db == nil {
		return nil, nil, errDBNotInitialized
	}
	var blob []byte
	e, err := scanModel(db.QueryRow(selectLatestModelSQL), &blob)
	if err != nil {
		return nil, nil, errors.Wrap(err, "latest model")
	}
	m, err := model.Unmarshal(blob)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "model %s", e.ID)
	}
	return e, m, nil
}

// ListModels returns up to limit registered models, newest first.
func ListModels(db *sql.DB, limit int) ([]*ModelEntry, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	if limit <= 0 {
		limit = 10
	}
	rs, err := db.Query(selectModelsSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query models")
	}
	defer rs.Close()

	list := make([]*ModelEntry, 0)
	for rs.Next() {
		e, err := scanModel(rs)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, errors.Wrap(rs.Err(), "failed to read models")
}

func scanModel(row rowScanner, extra ...any) (*ModelEntry, error) {
	e := &ModelEntry{}
	var created, params string
	dest := append([]any{&e.ID, &e.RunID, &created, &e.Variant, &e.Version, &params, &e.TrainSeconds, &e.Path}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to scan model")
	}
	e.Created = parseTime(created)
	if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
		return nil, errors.Wrap(err, "failed to decode params")
	}
	return e, nil
}
