package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/mchmarny/churnctl/pkg/analytics"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/scoring"
	"github.com/mchmarny/churnctl/pkg/tune"
	"gopkg.in/yaml.v3"
)

func encode(w io.Writer, format string, v any) error {
	if format == formatYAML {
		e := yaml.NewEncoder(w)
		defer e.Close()
		return e.Encode(v)
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printComparison(w io.Writer, rows []eval.ComparisonResult) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "MODEL\tACCURACY\tPRECISION\tRECALL\tF1\tTRAIN (s)\tERROR")
	for _, r := range rows {
		if r.Failed() {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t%.2f\t%s\n", r.Model, r.TrainSeconds, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.2f\t\n",
			r.Model, r.Accuracy, r.Precision, r.Recall, r.F1, r.TrainSeconds)
	}
	return tw.Flush()
}

const importanceRows = 10

func printImportance(w io.Writer, variant string, list []featureImportance) error {
	fmt.Fprintf(w, "\nfeature importance (%s, test partition)\n", variant)
	tw := newTable(w)
	fmt.Fprintln(tw, "FEATURE\tMEAN |CONTRIBUTION|")
	for i, f := range list {
		if i == importanceRows {
			break
		}
		fmt.Fprintf(tw, "%s\t%.4f\n", f.Feature, f.Importance)
	}
	return tw.Flush()
}

func printTuning(w io.Writer, res *tune.Result) error {
	fmt.Fprintf(w, "variant: %s\nbest %s (cv, %d folds): %.4f\nbest params: %s\n\n",
		res.Variant, res.Metric, res.Folds, res.BestScore, res.Best)
	tw := newTable(w)
	fmt.Fprintln(tw, "PARAMS\tCV SCORE\tERROR")
	for _, p := range res.Points {
		if p.Error != "" {
			fmt.Fprintf(tw, "%s\t-\t%s\n", p.Params, p.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%.4f\t\n", p.Params, p.Score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\ntest: accuracy %.4f precision %.4f recall %.4f f1 %.4f\n",
		res.Test.Accuracy, res.Test.Precision, res.Test.Recall, res.Test.F1)
	return nil
}

func printScore(w io.Writer, s *scoring.Score) error {
	fmt.Fprintf(w, "customer: %s\nchurn probability: %.1f%%\nmodel: %s (%s)\n",
		s.CustomerID, s.Probability*100, s.Variant, s.Version)
	for _, im := range s.Imputations {
		fmt.Fprintf(w, "imputed %s = %g (%s)\n", im.Column, im.Value, im.Policy)
	}
	if s.Explanation == nil {
		fmt.Fprintf(w, "explanation unavailable: %s\n", s.ExplanationError)
		return nil
	}
	ex := s.Explanation
	fmt.Fprintf(w, "\n%s\n\n", ex.Narrative)

	tw := newTable(w)
	fmt.Fprintln(tw, "FEATURE\tVALUE\tCONTRIBUTION\tIMPACT")
	for _, f := range ex.Factors {
		fmt.Fprintf(tw, "%s\t%s\t%+.4f\t%s\n", f.Feature, f.Value, f.Contribution, f.Tier)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nrecommendation: %s\n", ex.Recommendation)
	return nil
}

func printSummary(w io.Writer, s *analytics.Summary) error {
	fmt.Fprintf(w, "customers: %d\nchurned: %d\nchurn rate: %.1f%%\navg tenure: %.1f months\n",
		s.Customers, s.Churned, s.ChurnRate, s.AvgTenure)
	for _, b := range s.Breakdowns {
		fmt.Fprintf(w, "\n%s\n", strings.ToUpper(b.Dimension))
		tw := newTable(w)
		fmt.Fprintln(tw, "CATEGORY\tCUSTOMERS\tCHURNED\tCHURN RATE")
		for _, r := range b.Rows {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\n", r.Category, r.Customers, r.Churned, r.ChurnRate*100)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
