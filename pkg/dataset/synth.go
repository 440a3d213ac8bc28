package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

const (
	noInternetService = "No internet service"
	noPhoneService    = "No phone service"
)

var (
	contracts       = []string{"Month-to-month", "One year", "Two year"}
	internetTypes   = []string{"DSL", "Fiber optic", "No"}
	paymentMethods  = []string{"Bank transfer (automatic)", "Credit card (automatic)", "Electronic check", "Mailed check"}
	internetAddOns  = []string{ColOnlineSecurity, ColOnlineBackup, ColDeviceProtection, ColTechSupport, ColStreamingTV, ColStreamingMovies}
	genders         = []string{"Female", "Male"}
	yesNo           = []string{LabelNo, LabelYes}
	contractWeights = []float64{0.55, 0.21, 0.24}
	internetWeights = []float64{0.34, 0.44, 0.22}
)

// Synthesize generates a deterministic Telco-shaped dataset with n records
// of which round(n*churnRate) are labeled as churned. Churners are the
// customers with the highest latent risk, so the labels carry the usual
// signal: month-to-month contracts, fiber, electronic check, short tenure
// and high monthly charges raise risk.
func Synthesize(n int, churnRate float64, seed int64) (*Dataset, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid record count: %d", n)
	}
	if churnRate < 0 || churnRate > 1 {
		return nil, errors.Errorf("invalid churn rate: %f", churnRate)
	}

	rnd := rand.New(rand.NewSource(seed))
	records := make([]*Record, n)
	risk := make([]float64, n)

	for i := 0; i < n; i++ {
		r := &Record{
			ID:     fmt.Sprintf("%04d-SYNTH", i+1),
			Fields: make(map[string]string, len(featureColumns)),
		}

		tenure := rnd.Intn(73)
		contract := pickWeighted(rnd, contracts, contractWeights)
		internet := pickWeighted(rnd, internetTypes, internetWeights)
		payment := paymentMethods[rnd.Intn(len(paymentMethods))]
		senior := 0
		if rnd.Float64() < 0.16 {
			senior = 1
		}

		monthly := 20.0 + rnd.Float64()*5
		switch internet {
		case "DSL":
			monthly += 25
		case "Fiber optic":
			monthly += 50
		}

		for _, c := range internetAddOns {
			if internet == "No" {
				r.Fields[c] = noInternetService
				continue
			}
			v := yesNo[rnd.Intn(2)]
			if v == LabelYes {
				monthly += 5
			}
			r.Fields[c] = v
		}

		phone := LabelYes
		if rnd.Float64() < 0.1 {
			phone = LabelNo
		}
		r.Fields[ColPhoneService] = phone
		if phone == LabelNo {
			r.Fields[ColMultipleLines] = noPhoneService
		} else {
			r.Fields[ColMultipleLines] = yesNo[rnd.Intn(2)]
		}

		r.Fields[ColGender] = genders[rnd.Intn(2)]
		r.Fields[ColSeniorCitizen] = strconv.Itoa(senior)
		r.Fields[ColPartner] = yesNo[rnd.Intn(2)]
		r.Fields[ColDependents] = yesNo[rnd.Intn(2)]
		r.Fields[ColTenure] = strconv.Itoa(tenure)
		r.Fields[ColInternetService] = internet
		r.Fields[ColContract] = contract
		r.Fields[ColPaperlessBilling] = yesNo[rnd.Intn(2)]
		r.Fields[ColPaymentMethod] = payment
		r.Fields[ColMonthlyCharges] = strconv.FormatFloat(monthly, 'f', 2, 64)
		if tenure == 0 {
			r.Fields[ColTotalCharges] = ""
		} else {
			total := float64(tenure) * monthly * (0.95 + rnd.Float64()*0.1)
			r.Fields[ColTotalCharges] = strconv.FormatFloat(total, 'f', 2, 64)
		}

		score := rnd.NormFloat64() * 0.6
		switch contract {
		case "Month-to-month":
			score += 1.2
		case "Two year":
			score -= 0.8
		}
		if internet == "Fiber optic" {
			score += 0.8
		}
		if payment == "Electronic check" {
			score += 0.5
		}
		score -= 0.04 * float64(tenure)
		score += 0.015 * (monthly - 65)
		score += 0.3 * float64(senior)

		records[i] = r
		risk[i] = score
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return risk[order[a]] > risk[order[b]] })

	churners := int(math.Round(float64(n) * churnRate))
	for rank, i := range order {
		if rank < churners {
			records[i].Label = LabelYes
		} else {
			records[i].Label = LabelNo
		}
	}

	return New(records)
}

func pickWeighted(rnd *rand.Rand, values []string, weights []float64) string {
	x := rnd.Float64()
	acc := 0.0
	for i, w := range weights {
		acc += w
		if x < acc {
			return values[i]
		}
	}
	return values[len(values)-1]
}

// Write encodes the dataset as Telco CSV with the full header.
func Write(w io.Writer, d *Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, r := range d.Records {
		row := make([]string, 0, len(featureColumns)+2)
		row = append(row, r.ID)
		for _, c := range featureColumns {
			row = append(row, r.Fields[c])
		}
		row = append(row, r.Label)
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "failed to write record %s", r.ID)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush csv")
}
