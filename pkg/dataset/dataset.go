package dataset

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Dataset is an ordered collection of records sharing the Telco schema.
type Dataset struct {
	Records []*Record
	index   map[string]int
}

// New builds a dataset from records, rejecting repeated identifiers.
func New(records []*Record) (*Dataset, error) {
	d := &Dataset{
		Records: records,
		index:   make(map[string]int, len(records)),
	}
	for i, r := range records {
		if r == nil {
			return nil, errors.Wrapf(ErrSchemaMismatch, "nil record at row %d", i)
		}
		if r.ID == "" {
			return nil, errors.Wrapf(ErrSchemaMismatch, "row %d: empty %s", i, IDColumn)
		}
		if _, ok := d.index[r.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateID, "%s", r.ID)
		}
		d.index[r.ID] = i
	}
	return d, nil
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// Find returns the record with the given identifier.
func (d *Dataset) Find(id string) (*Record, bool) {
	if d == nil {
		return nil, false
	}
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return d.Records[i], true
}

// IDs returns the customer identifiers in dataset order.
func (d *Dataset) IDs() []string {
	out := make([]string, 0, d.Len())
	for _, r := range d.Records {
		out = append(out, r.ID)
	}
	return out
}

// Labels returns 1 for churned and 0 for retained customers, in dataset
// order. Every record must carry a Yes/No label.
func (d *Dataset) Labels() ([]int, error) {
	out := make([]int, d.Len())
	for i, r := range d.Records {
		switch r.Label {
		case LabelYes:
			out[i] = 1
		case LabelNo:
			out[i] = 0
		default:
			return nil, errors.Wrapf(ErrInvalidLabel, "record %s: %s=%q", r.ID, LabelColumn, r.Label)
		}
	}
	return out, nil
}

// Subset returns the records at the given positions, in the given order.
func (d *Dataset) Subset(idx []int) []*Record {
	out := make([]*Record, len(idx))
	for i, j := range idx {
		out[i] = d.Records[j]
	}
	return out
}

// ErrInvalidLabel is returned when a training label is not Yes or No.
var ErrInvalidLabel = errors.New("invalid churn label")

// Load reads a Telco CSV file.
func Load(path string) (*Dataset, error) {
	if path == "" {
		return nil, errors.New("dataset path not specified")
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrDatasetNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "error opening dataset: %s", path)
	}
	defer f.Close()

	d, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading dataset: %s", path)
	}
	slog.Debug("dataset loaded", "path", path, "records", d.Len())
	return d, nil
}

// Read parses CSV content with a Telco header. The label column may be
// omitted for scoring-only files.
func Read(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(ErrSchemaMismatch, "empty file")
		}
		return nil, errors.Wrap(err, "failed to read header")
	}

	pos, err := headerPositions(header)
	if err != nil {
		return nil, err
	}

	var records []*Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read line %d", line)
		}

		rec := &Record{
			ID:     strings.TrimSpace(row[pos[IDColumn]]),
			Fields: make(map[string]string, len(featureColumns)),
		}
		for _, c := range featureColumns {
			rec.Fields[c] = strings.TrimSpace(row[pos[c]])
		}
		if p, ok := pos[LabelColumn]; ok {
			rec.Label = strings.TrimSpace(row[p])
		}
		records = append(records, rec)
	}

	return New(records)
}

func headerPositions(header []string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h != IDColumn && h != LabelColumn && !isFeatureColumn(h) {
			return nil, errors.Wrapf(ErrSchemaMismatch, "unexpected column %s", h)
		}
		if _, dup := pos[h]; dup {
			return nil, errors.Wrapf(ErrSchemaMismatch, "duplicate column %s", h)
		}
		pos[h] = i
	}

	if _, ok := pos[IDColumn]; !ok {
		return nil, errors.Wrapf(ErrSchemaMismatch, "missing column %s", IDColumn)
	}
	for _, c := range featureColumns {
		if _, ok := pos[c]; !ok {
			return nil, errors.Wrapf(ErrSchemaMismatch, "missing column %s", c)
		}
	}
	return pos, nil
}
