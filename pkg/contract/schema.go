package contract

import (
	"math"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
)

// SchemaRevision names the fixed column layout. Bump it whenever a column
// is added, removed, reordered or changes kind.
const SchemaRevision = "telco-v1"

// Kind is the declared type of a feature column.
type Kind int

const (
	Numeric Kind = iota
	Categorical
)

func (k Kind) String() string {
	if k == Categorical {
		return "categorical"
	}
	return "numeric"
}

// Column is one position of the feature vector.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`
}

var (
	// ErrSchemaMismatch aliases the dataset error so callers can test either.
	ErrSchemaMismatch = dataset.ErrSchemaMismatch

	// ErrInvalidNumericField is returned when a numeric column cannot be
	// parsed after imputation.
	ErrInvalidNumericField = errors.New("invalid numeric field")

	// ErrUnknownCategory is returned by label encoding for a level that was
	// not present in the training partition.
	ErrUnknownCategory = errors.New("unknown category")

	schema = buildSchema()
)

func buildSchema() []Column {
	numeric := map[string]bool{
		dataset.ColSeniorCitizen:  true,
		dataset.ColTenure:         true,
		dataset.ColMonthlyCharges: true,
		dataset.ColTotalCharges:   true,
	}
	cols := dataset.FeatureColumns()
	out := make([]Column, len(cols))
	for i, c := range cols {
		k := Categorical
		if numeric[c] {
			k = Numeric
		}
		out[i] = Column{Name: c, Kind: k}
	}
	return out
}

// Columns returns the ordered feature schema.
func Columns() []Column {
	out := make([]Column, len(schema))
	copy(out, schema)
	return out
}

// Names returns the ordered feature column names.
func Names() []string {
	out := make([]string, len(schema))
	for i, c := range schema {
		out[i] = c.Name
	}
	return out
}

// Width is the number of feature columns.
func Width() int {
	return len(schema)
}

// CategoricalPositions returns the positions of categorical columns.
func CategoricalPositions() []int {
	var out []int
	for i, c := range schema {
		if c.Kind == Categorical {
			out = append(out, i)
		}
	}
	return out
}

// Position returns the index of a column or -1.
func Position(name string) int {
	for i, c := range schema {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
