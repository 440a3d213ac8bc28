// Package cli implements the churnctl command tree and its HTTP server.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/data"
	"github.com/mchmarny/churnctl/pkg/logging"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

const (
	appConfigKey = "app-config"

	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	// trainer serializes training across commands and server requests.
	trainer model.Trainer

	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the config file (absent file means defaults)",
		Value: config.FileName,
	}

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}

	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level [debug, info, warn, error]",
		Value: "info",
	}

	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format [text, json]",
		Value: logging.FormatText,
	}

	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format [table, json, yaml]",
		Value: formatTable,
	}

	dbFilePathFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Path to the Sqlite registry file (overrides data.registry)",
	}

	datasetFlag = &cli.StringFlag{
		Name:  "data",
		Usage: "Path to the Telco churn CSV (overrides data.dataset)",
	}
)

// Execute creates and runs the CLI application.
func Execute() {
	logging.SetDefaultCLILogger("info")

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

type appConfig struct {
	ConfigPath string
	Conf       *config.Config
	Format     string
	DB         *sql.DB
	Out        io.Writer
}

func getConfig(cmd *cli.Command) *appConfig {
	return cmd.Root().Metadata[appConfigKey].(*appConfig)
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:            "churnctl",
		Version:         fmt.Sprintf("%s (%s - %s)", version, commit, date),
		Usage:           "Train, compare, tune and explain customer churn models",
		HideHelpCommand: true,
		Metadata:        map[string]any{},
		Flags: []cli.Flag{
			configFlag,
			debugFlag,
			logLevelFlag,
			logFormatFlag,
			formatFlag,
			dbFilePathFlag,
			datasetFlag,
		},
		Commands: []*cli.Command{
			trainCmd,
			compareCmd,
			tuneCmd,
			scoreCmd,
			customersCmd,
			summaryCmd,
			serverCmd,
			modelsCmd,
			runCmd,
			tuningCmd,
			generateCmd,
		},
		Before: setup,
		After: func(_ context.Context, cmd *cli.Command) error {
			if cfg, ok := cmd.Root().Metadata[appConfigKey].(*appConfig); ok && cfg.DB != nil {
				return cfg.DB.Close()
			}
			return nil
		},
		Action: cmdTrain,
	}
}

func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := cmd.String(logLevelFlag.Name)
	if cmd.Bool(debugFlag.Name) {
		level = "debug"
	}
	slog.SetDefault(logging.NewLogger(os.Stderr, cmd.String(logFormatFlag.Name), level))

	format := cmd.String(formatFlag.Name)
	switch format {
	case formatTable, formatJSON:
	case formatYAML, "yml":
		format = formatYAML
	default:
		return ctx, errors.Errorf("unsupported output format: %s", format)
	}

	path := cmd.String(configFlag.Name)
	conf, err := config.Load(path)
	if err != nil {
		return ctx, errors.Wrap(err, "loading config")
	}
	conf.Data.Dataset = config.ResolvePath(path, conf.Data.Dataset)
	conf.Data.Artifact = config.ResolvePath(path, conf.Data.Artifact)
	conf.Data.Registry = config.ResolvePath(path, conf.Data.Registry)
	if v := cmd.String(datasetFlag.Name); v != "" {
		conf.Data.Dataset = v
	}
	if v := cmd.String(dbFilePathFlag.Name); v != "" {
		conf.Data.Registry = v
	}

	if err := data.Init(conf.Data.Registry); err != nil {
		return ctx, errors.Wrap(err, "initializing registry")
	}
	db, err := data.GetDB(conf.Data.Registry)
	if err != nil {
		return ctx, errors.Wrap(err, "opening registry")
	}

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	cmd.Root().Metadata[appConfigKey] = &appConfig{
		ConfigPath: path,
		Conf:       conf,
		Format:     format,
		DB:         db,
		Out:        out,
	}
	slog.Debug("config loaded",
		"config", path,
		"dataset", conf.Data.Dataset,
		"registry", conf.Data.Registry)
	return ctx, nil
}
