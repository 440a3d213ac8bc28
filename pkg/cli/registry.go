package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mchmarny/churnctl/pkg/data"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var (
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of models to list",
		Value: 10,
	}

	runIDFlag = &cli.StringFlag{
		Name:     "id",
		Usage:    "Run identifier",
		Required: true,
	}

	modelsCmd = &cli.Command{
		Name:   "models",
		Usage:  "List registered models, newest first",
		Flags:  []cli.Flag{limitFlag},
		Action: cmdModels,
	}

	runCmd = &cli.Command{
		Name:   "run",
		Usage:  "Show one recorded run with its comparison rows",
		Flags:  []cli.Flag{runIDFlag},
		Action: cmdRun,
	}

	tuningCmd = &cli.Command{
		Name:   "tuning",
		Usage:  "Show the most recent tuning run",
		Action: cmdTuning,
	}
)

// runDetail is the structured output of the run command.
type runDetail struct {
	Run     *data.Run               `json:"run" yaml:"run"`
	Results []eval.ComparisonResult `json:"results" yaml:"results"`
}

// loadModel reads the artifact file and falls back to the newest
// registered model when the file is absent.
func loadModel(cfg *appConfig) func(context.Context) (*model.TrainedModel, error) {
	return func(context.Context) (*model.TrainedModel, error) {
		m, err := model.LoadFile(cfg.Conf.Data.Artifact)
		if !errors.Is(err, model.ErrArtifactNotFound) {
			return m, err
		}
		e, rm, rerr := data.GetLatestModel(cfg.DB)
		if errors.Is(rerr, data.ErrNotFound) {
			return nil, err
		}
		if rerr != nil {
			return nil, errors.Wrap(rerr, "loading registered model")
		}
		slog.Warn("artifact missing, using registered model",
			"path", cfg.Conf.Data.Artifact,
			"model", e.ID,
			"variant", e.Variant)
		return rm, nil
	}
}

func cmdModels(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	list, err := data.ListModels(cfg.DB, int(cmd.Int(limitFlag.Name)))
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, list)
	}
	return printModels(cfg.Out, list)
}

func cmdRun(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	r, err := data.GetRun(cfg.DB, cmd.String(runIDFlag.Name))
	if err != nil {
		return err
	}
	rows, err := data.GetComparison(cfg.DB, r.ID)
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, runDetail{Run: r, Results: rows})
	}
	printRun(cfg.Out, r)
	if len(rows) == 0 {
		return nil
	}
	fmt.Fprintln(cfg.Out)
	return printComparison(cfg.Out, rows)
}

func cmdTuning(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	t, err := data.GetLatestTuning(cfg.DB)
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, t)
	}
	printRun(cfg.Out, t.Run)
	fmt.Fprintf(cfg.Out, "\nvariant: %s\nbest %s (cv, %d folds): %.4f\nbest params: %s\ntest: accuracy %.4f f1 %.4f\n",
		t.Variant, t.Metric, t.Folds, t.BestScore, t.Best, t.TestAccuracy, t.TestF1)
	return nil
}

func printRun(w io.Writer, r *data.Run) {
	fmt.Fprintf(w, "run: %s (%s)\ncreated: %s\ndataset: %s (%d records, test fraction %.2f, seed %d)\n",
		r.ID, r.Kind, r.Created.Format("2006-01-02 15:04:05"), r.Dataset, r.Records, r.TestFraction, r.Seed)
}

func printModels(w io.Writer, list []*data.ModelEntry) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tCREATED\tVARIANT\tCONTRACT\tTRAIN (s)\tPARAMS")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			e.ID, e.Created.Format("2006-01-02 15:04:05"), e.Variant, e.Version, e.TrainSeconds, e.Params)
	}
	return tw.Flush()
}
