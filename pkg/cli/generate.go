package cli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var (
	recordsFlag = &cli.IntFlag{
		Name:  "records",
		Usage: "Number of customers to generate",
		Value: 7043,
	}

	churnRateFlag = &cli.FloatFlag{
		Name:  "churn-rate",
		Usage: "Share of churned customers",
		Value: 0.265,
	}

	seedFlag = &cli.IntFlag{
		Name:  "seed",
		Usage: "Generator seed",
		Value: 42,
	}

	outputFlag = &cli.StringFlag{
		Name:  "output",
		Usage: "Output CSV path (defaults to data.dataset)",
	}

	generateCmd = &cli.Command{
		Name:   "generate",
		Usage:  "Write a synthetic Telco churn dataset",
		Flags:  []cli.Flag{recordsFlag, churnRateFlag, seedFlag, outputFlag},
		Action: cmdGenerate,
	}
)

func cmdGenerate(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	path := cmd.String(outputFlag.Name)
	if path == "" {
		path = cfg.Conf.Data.Dataset
	}

	d, err := dataset.Synthesize(int(cmd.Int(recordsFlag.Name)), cmd.Float(churnRateFlag.Name), int64(cmd.Int(seedFlag.Name)))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := dataset.Write(f, d); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	slog.Info("dataset written", "path", path, "customers", d.Len())
	return nil
}
