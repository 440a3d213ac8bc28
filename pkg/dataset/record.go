package dataset

import (
	"github.com/pkg/errors"
)

const (
	// IDColumn identifies a customer and is never fed to a model.
	IDColumn = "customerID"
	// LabelColumn holds the churn indicator ("Yes"/"No").
	LabelColumn = "Churn"

	LabelYes = "Yes"
	LabelNo  = "No"
)

// Column names of the Telco customer churn file in file order.
const (
	ColGender           = "gender"
	ColSeniorCitizen    = "SeniorCitizen"
	ColPartner          = "Partner"
	ColDependents       = "Dependents"
	ColTenure           = "tenure"
	ColPhoneService     = "PhoneService"
	ColMultipleLines    = "MultipleLines"
	ColInternetService  = "InternetService"
	ColOnlineSecurity   = "OnlineSecurity"
	ColOnlineBackup     = "OnlineBackup"
	ColDeviceProtection = "DeviceProtection"
	ColTechSupport      = "TechSupport"
	ColStreamingTV      = "StreamingTV"
	ColStreamingMovies  = "StreamingMovies"
	ColContract         = "Contract"
	ColPaperlessBilling = "PaperlessBilling"
	ColPaymentMethod    = "PaymentMethod"
	ColMonthlyCharges   = "MonthlyCharges"
	ColTotalCharges     = "TotalCharges"
)

var (
	// ErrDatasetNotFound is returned when the dataset file does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrSchemaMismatch is returned when the header or a record does not
	// match the column catalogue.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrDuplicateID is returned when an identifier repeats within one file.
	ErrDuplicateID = errors.New("duplicate customer identifier")

	featureColumns = []string{
		ColGender,
		ColSeniorCitizen,
		ColPartner,
		ColDependents,
		ColTenure,
		ColPhoneService,
		ColMultipleLines,
		ColInternetService,
		ColOnlineSecurity,
		ColOnlineBackup,
		ColDeviceProtection,
		ColTechSupport,
		ColStreamingTV,
		ColStreamingMovies,
		ColContract,
		ColPaperlessBilling,
		ColPaymentMethod,
		ColMonthlyCharges,
		ColTotalCharges,
	}
)

// FeatureColumns returns the feature column names in file order.
func FeatureColumns() []string {
	out := make([]string, len(featureColumns))
	copy(out, featureColumns)
	return out
}

// Header returns the full file header: identifier, features, label.
func Header() []string {
	h := make([]string, 0, len(featureColumns)+2)
	h = append(h, IDColumn)
	h = append(h, featureColumns...)
	return append(h, LabelColumn)
}

// Record is one raw customer row. Field values are kept as read from the
// source so that cleaning happens in exactly one place.
type Record struct {
	ID     string            `json:"id" yaml:"id"`
	Fields map[string]string `json:"fields" yaml:"fields"`
	// Label is the raw churn value, empty for records being scored.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Get returns the raw value of a feature column.
func (r *Record) Get(col string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	return r.Fields[col]
}

// HasLabel reports whether the record carries a churn label.
func (r *Record) HasLabel() bool {
	return r != nil && r.Label != ""
}

// Churned reports whether the label marks the customer as churned.
func (r *Record) Churned() bool {
	return r != nil && r.Label == LabelYes
}

// CheckFields verifies the record carries exactly the feature columns.
func (r *Record) CheckFields() error {
	if r == nil {
		return errors.Wrap(ErrSchemaMismatch, "nil record")
	}
	for _, c := range featureColumns {
		if _, ok := r.Fields[c]; !ok {
			return errors.Wrapf(ErrSchemaMismatch, "record %s: missing column %s", r.ID, c)
		}
	}
	if len(r.Fields) != len(featureColumns) {
		for k := range r.Fields {
			if !isFeatureColumn(k) {
				return errors.Wrapf(ErrSchemaMismatch, "record %s: unexpected column %s", r.ID, k)
			}
		}
	}
	return nil
}

func isFeatureColumn(name string) bool {
	for _, c := range featureColumns {
		if c == name {
			return true
		}
	}
	return false
}
