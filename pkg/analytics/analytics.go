// Package analytics aggregates churn rates across the customer base.
package analytics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mchmarny/churnctl/pkg/dataset"
)

// FilterAll matches every value of a filtered column.
const FilterAll = "All"

// Breakdown dimensions.
const (
	DimContract     = dataset.ColContract
	DimInternet     = dataset.ColInternetService
	DimPayment      = dataset.ColPaymentMethod
	DimSenior       = dataset.ColSeniorCitizen
	DimGender       = dataset.ColGender
	DimAddOns       = "AddOnServices"
	DimDemographics = "Demographics"
)

var (
	categoryDims = []string{DimContract, DimInternet, DimPayment, DimSenior, DimGender}
	addOns       = []string{
		dataset.ColOnlineSecurity,
		dataset.ColOnlineBackup,
		dataset.ColDeviceProtection,
		dataset.ColTechSupport,
		dataset.ColStreamingTV,
		dataset.ColStreamingMovies,
	}
	demographics = []string{dataset.ColPartner, dataset.ColDependents}
)

// Filter narrows the records a summary covers. Empty or FilterAll fields
// match everything.
type Filter struct {
	Contract        string `json:"contract,omitempty" yaml:"contract,omitempty"`
	InternetService string `json:"internet_service,omitempty" yaml:"internetService,omitempty"`
	PaymentMethod   string `json:"payment_method,omitempty" yaml:"paymentMethod,omitempty"`
}

func (f Filter) match(r *dataset.Record) bool {
	return matches(f.Contract, r.Get(dataset.ColContract)) &&
		matches(f.InternetService, r.Get(dataset.ColInternetService)) &&
		matches(f.PaymentMethod, r.Get(dataset.ColPaymentMethod))
}

func matches(want, got string) bool {
	return want == "" || strings.EqualFold(want, FilterAll) || want == got
}

// Rate is the churn rate of one group. Only labeled records count toward
// Labeled and Churned.
type Rate struct {
	Category  string  `json:"category" yaml:"category"`
	Customers int     `json:"customers" yaml:"customers"`
	Labeled   int     `json:"labeled" yaml:"labeled"`
	Churned   int     `json:"churned" yaml:"churned"`
	ChurnRate float64 `json:"churn_rate" yaml:"churnRate"`
}

func (r *Rate) add(rec *dataset.Record) {
	r.Customers++
	if !rec.HasLabel() {
		return
	}
	r.Labeled++
	if rec.Churned() {
		r.Churned++
	}
}

func (r *Rate) finish() {
	if r.Labeled > 0 {
		r.ChurnRate = float64(r.Churned) / float64(r.Labeled)
	}
}

// Breakdown is the churn rate per group of one dimension.
type Breakdown struct {
	Dimension string `json:"dimension" yaml:"dimension"`
	Rows      []Rate `json:"rows" yaml:"rows"`
}

// Summary holds the headline KPIs and breakdowns for a filter.
type Summary struct {
	Filter     Filter      `json:"filter" yaml:"filter"`
	Customers  int         `json:"customers" yaml:"customers"`
	Churned    int         `json:"churned" yaml:"churned"`
	ChurnRate  float64     `json:"churn_rate_pct" yaml:"churnRatePct"`
	AvgTenure  float64     `json:"avg_tenure_months" yaml:"avgTenureMonths"`
	Breakdowns []Breakdown `json:"breakdowns" yaml:"breakdowns"`
}

// Breakdown returns the named breakdown.
func (s *Summary) Breakdown(dim string) (Breakdown, bool) {
	for _, b := range s.Breakdowns {
		if b.Dimension == dim {
			return b, true
		}
	}
	return Breakdown{}, false
}

// Summarize computes KPIs and breakdowns over the records matching f.
func Summarize(records []*dataset.Record, f Filter) *Summary {
	var selected []*dataset.Record
	for _, r := range records {
		if f.match(r) {
			selected = append(selected, r)
		}
	}

	s := &Summary{Filter: f, Customers: len(selected)}
	var total Rate
	var tenureSum float64
	var tenureN int
	for _, r := range selected {
		total.add(r)
		if v, err := strconv.ParseFloat(r.Get(dataset.ColTenure), 64); err == nil {
			tenureSum += v
			tenureN++
		}
	}
	total.finish()
	s.Churned = total.Churned
	s.ChurnRate = total.ChurnRate * 100
	if tenureN > 0 {
		s.AvgTenure = tenureSum / float64(tenureN)
	}

	for _, dim := range categoryDims {
		s.Breakdowns = append(s.Breakdowns, byCategory(selected, dim))
	}
	s.Breakdowns = append(s.Breakdowns, byAddOn(selected), byDemographic(selected))
	return s
}

func byCategory(records []*dataset.Record, col string) Breakdown {
	groups := make(map[string]*Rate)
	for _, r := range records {
		v := r.Get(col)
		g, ok := groups[v]
		if !ok {
			g = &Rate{Category: v}
			groups[v] = g
		}
		g.add(r)
	}
	b := Breakdown{Dimension: col, Rows: make([]Rate, 0, len(groups))}
	for _, g := range groups {
		g.finish()
		b.Rows = append(b.Rows, *g)
	}
	sort.Slice(b.Rows, func(i, j int) bool { return b.Rows[i].Category < b.Rows[j].Category })
	return b
}

// byAddOn reports churn among customers who have each add-on service.
func byAddOn(records []*dataset.Record) Breakdown {
	b := Breakdown{Dimension: DimAddOns}
	for _, svc := range addOns {
		g := Rate{Category: svc}
		for _, r := range records {
			if r.Get(svc) == dataset.LabelYes {
				g.add(r)
			}
		}
		if g.Customers == 0 {
			continue
		}
		g.finish()
		b.Rows = append(b.Rows, g)
	}
	return b
}

func byDemographic(records []*dataset.Record) Breakdown {
	b := Breakdown{Dimension: DimDemographics}
	for _, col := range demographics {
		has := Rate{Category: "Has " + col}
		no := Rate{Category: "No " + col}
		for _, r := range records {
			switch r.Get(col) {
			case dataset.LabelYes:
				has.add(r)
			case dataset.LabelNo:
				no.add(r)
			}
		}
		has.finish()
		no.finish()
		b.Rows = append(b.Rows, has, no)
	}
	return b
}
