package cli

import (
	"context"
	"log/slog"

	"github.com/mchmarny/churnctl/pkg/data"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/tune"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var (
	saveFlag = &cli.BoolFlag{
		Name:  "save",
		Usage: "Persist the tuned model as the scoring artifact",
	}

	variantFlag = &cli.StringFlag{
		Name:  "variant",
		Usage: "Variant to tune (overrides tune.variant)",
	}

	tuneCmd = &cli.Command{
		Name:   "tune",
		Usage:  "Grid search hyperparameters with stratified cross-validation",
		Flags:  []cli.Flag{variantFlag, saveFlag},
		Action: cmdTune,
	}
)

func cmdTune(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	conf := cfg.Conf

	name := conf.Tune.Variant
	if v := cmd.String(variantFlag.Name); v != "" {
		name = v
	}
	a, err := model.Lookup(name)
	if err != nil {
		return err
	}

	var res *tune.Result
	var run *data.Run
	err = trainer.Do(ctx, func(ctx context.Context) error {
		d, s, err := loadSplit(conf)
		if err != nil {
			return err
		}
		slog.Info("tuning",
			"variant", a.Name(),
			"points", conf.Tune.Grid.Size(),
			"folds", conf.Tune.Folds)

		res, err = tune.Search(ctx, s, a, conf.Tune.Grid, tune.Options{
			Folds:   conf.Tune.Folds,
			Metric:  conf.Tune.Metric,
			Seed:    conf.Split.Seed,
			Timeout: conf.Train.Timeout,
		})
		if err != nil {
			return err
		}
		run = data.NewRun(data.RunTune, conf.Data.Dataset, d.Len(), s.Fraction, s.Seed)
		return errors.Wrap(data.SaveTuning(cfg.DB, run, res), "recording tuning run")
	})
	if err != nil {
		return err
	}

	if cmd.Bool(saveFlag.Name) {
		if err := model.SaveFile(conf.Data.Artifact, res.Model); err != nil {
			return err
		}
		if _, err := data.RegisterModel(cfg.DB, run.ID, res.Model, conf.Data.Artifact); err != nil {
			return errors.Wrap(err, "registering tuned model")
		}
		slog.Info("tuned model saved", "params", res.Best.String(), "path", conf.Data.Artifact)
	}

	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, res)
	}
	return printTuning(cfg.Out, res)
}
