package cli

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/data"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/split"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var (
	persistFlag = &cli.StringFlag{
		Name:  "persist",
		Usage: "Variant to save after training (overrides train.persist, 'best' picks the most accurate)",
	}

	trainCmd = &cli.Command{
		Name:   "train",
		Usage:  "Compare all configured variants and persist the chosen model",
		Flags:  []cli.Flag{persistFlag},
		Action: cmdTrain,
	}

	compareCmd = &cli.Command{
		Name:   "compare",
		Usage:  "Compare all configured variants on the held-out split",
		Action: cmdCompare,
	}
)

// comparison is one harness run over a freshly split dataset.
type comparison struct {
	Run    *data.Run
	Report *eval.Report
	Split  *split.TrainTestSplit
}

func loadSplit(conf *config.Config) (*dataset.Dataset, *split.TrainTestSplit, error) {
	d, err := dataset.Load(conf.Data.Dataset)
	if err != nil {
		return nil, nil, err
	}
	s, err := split.New(d, conf.Split.TestFraction, conf.Split.Seed)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "splitting %s", conf.Data.Dataset)
	}
	return d, s.WithOptions(conf.Train.Imputation.Options), nil
}

func candidates(conf *config.Config) ([]eval.Candidate, error) {
	list := make([]eval.Candidate, 0, len(conf.Train.Variants))
	for _, v := range conf.Train.Variants {
		a, err := model.Lookup(v.Name)
		if err != nil {
			return nil, err
		}
		list = append(list, eval.Candidate{Adapter: a, Params: v.Params})
	}
	return list, nil
}

// compare runs the harness under the training lock and records the run.
func compare(ctx context.Context, cfg *appConfig, kind string) (*comparison, error) {
	var out *comparison
	err := trainer.Do(ctx, func(ctx context.Context) error {
		d, s, err := loadSplit(cfg.Conf)
		if err != nil {
			return err
		}
		cs, err := candidates(cfg.Conf)
		if err != nil {
			return err
		}
		slog.Info("comparing models",
			"customers", d.Len(),
			"train", len(s.YTrain),
			"test", len(s.YTest),
			"variants", len(cs))

		h := &eval.Harness{Split: s, Timeout: cfg.Conf.Train.Timeout}
		rep, err := h.Run(ctx, cs)
		if err != nil {
			return err
		}

		run := data.NewRun(kind, cfg.Conf.Data.Dataset, d.Len(), s.Fraction, s.Seed)
		if err := data.SaveComparison(cfg.DB, run, rep.Results); err != nil {
			return errors.Wrap(err, "recording comparison run")
		}
		out = &comparison{Run: run, Report: rep, Split: s}
		return nil
	})
	return out, err
}

func cmdCompare(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	c, err := compare(ctx, cfg, data.RunCompare)
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, c.Report.Results)
	}
	return printComparison(cfg.Out, c.Report.Results)
}

// trainResult is the structured output of the train command.
type trainResult struct {
	RunID      string                  `json:"run_id" yaml:"runId"`
	Results    []eval.ComparisonResult `json:"results" yaml:"results"`
	Persist    *data.ModelEntry        `json:"persisted" yaml:"persisted"`
	Artifact   string                  `json:"artifact" yaml:"artifact"`
	Importance []featureImportance     `json:"importance" yaml:"importance"`
}

// featureImportance is the mean absolute contribution of one feature over
// the test partition.
type featureImportance struct {
	Feature    string  `json:"feature" yaml:"feature"`
	Importance float64 `json:"importance" yaml:"importance"`
}

func importance(s *split.TrainTestSplit, m *model.TrainedModel) ([]featureImportance, error) {
	enc, err := s.Encoded(m.Contract().Encoding())
	if err != nil {
		return nil, err
	}
	vals, err := m.Importance(enc.XTest)
	if err != nil {
		return nil, errors.Wrap(err, "computing feature importance")
	}
	names := contract.Names()
	list := make([]featureImportance, len(vals))
	for i, v := range vals {
		list[i] = featureImportance{Feature: names[i], Importance: v}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Importance > list[j].Importance
	})
	return list, nil
}

func cmdTrain(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	c, err := compare(ctx, cfg, data.RunTrain)
	if err != nil {
		return err
	}

	choice := cfg.Conf.Train.Persist
	if v := cmd.String(persistFlag.Name); v != "" {
		choice = v
	}
	m, err := chooseModel(c.Report, choice)
	if err != nil {
		return err
	}

	path := cfg.Conf.Data.Artifact
	if err := model.SaveFile(path, m); err != nil {
		return err
	}
	entry, err := data.RegisterModel(cfg.DB, c.Run.ID, m, path)
	if err != nil {
		return errors.Wrap(err, "registering model")
	}
	slog.Info("model saved",
		"variant", m.Variant(),
		"version", m.Version(),
		"path", path)

	imp, err := importance(c.Split, m)
	if err != nil {
		return err
	}

	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, trainResult{
			RunID:      c.Run.ID,
			Results:    c.Report.Results,
			Persist:    entry,
			Artifact:   path,
			Importance: imp,
		})
	}
	if err := printComparison(cfg.Out, c.Report.Results); err != nil {
		return err
	}
	return printImportance(cfg.Out, m.Variant(), imp)
}

// chooseModel returns the named variant's model, or the most accurate one
// when name is empty or "best".
func chooseModel(rep *eval.Report, name string) (*model.TrainedModel, error) {
	if name == "" || name == "best" {
		i, err := rep.Best(eval.MetricAccuracy)
		if err != nil {
			return nil, err
		}
		if i < 0 {
			return nil, errors.New("every variant failed, no model to persist")
		}
		return rep.Models[i], nil
	}
	m, ok := rep.Find(name)
	if !ok {
		return nil, errors.Errorf("variant %s did not produce a model", name)
	}
	return m, nil
}
