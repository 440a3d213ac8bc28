// Package config reads and writes the churnctl YAML configuration file.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/explain"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/split"
	"github.com/mchmarny/churnctl/pkg/tune"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the default config file name.
	FileName = "churnctl.yaml"

	dirMode  = 0700
	fileMode = 0600
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the root of the configuration file.
type Config struct {
	Data    Data           `yaml:"data"`
	Split   Split          `yaml:"split"`
	Train   Train          `yaml:"train"`
	Tune    Tune           `yaml:"tune"`
	Explain explain.Config `yaml:"explain"`
	Serve   Serve          `yaml:"serve"`
}

// Data locates the dataset, the persisted artifact and the registry.
type Data struct {
	Dataset  string `yaml:"dataset" validate:"required"`
	Artifact string `yaml:"artifact" validate:"required"`
	Registry string `yaml:"registry" validate:"required"`
}

// Split configures the holdout partition.
type Split struct {
	TestFraction float64 `yaml:"testFraction" validate:"gt=0,lt=1"`
	Seed         int64   `yaml:"seed"`
}

// VariantConfig selects one adapter with hyperparameter overrides.
type VariantConfig struct {
	Name   string            `yaml:"name" validate:"required"`
	Params model.Hyperparams `yaml:"params,omitempty"`
}

// Train configures comparison runs.
type Train struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	// Persist is the variant saved after training. Empty picks the most
	// accurate successful variant.
	Persist    string          `yaml:"persist,omitempty"`
	Variants   []VariantConfig `yaml:"variants" validate:"required,min=1,dive"`
	Imputation Imputation      `yaml:"imputation"`
}

// Imputation selects the missing TotalCharges policy for each phase.
type Imputation struct {
	Training contract.Policy `yaml:"training" validate:"oneof=median zero"`
	Serving  contract.Policy `yaml:"serving" validate:"oneof=median zero"`
}

// Options returns the contract options for enc under these policies.
func (i Imputation) Options(enc contract.Encoding) contract.Options {
	return contract.Options{
		Encoding:       enc,
		TrainingPolicy: i.Training,
		ServingPolicy:  i.Serving,
	}
}

// Tune configures the grid search.
type Tune struct {
	Variant string    `yaml:"variant" validate:"required"`
	Folds   int       `yaml:"folds" validate:"min=2"`
	Metric  string    `yaml:"metric" validate:"required"`
	Grid    tune.Grid `yaml:"grid" validate:"required,min=1,dive"`
}

// Serve configures the HTTP boundary.
type Serve struct {
	Address string `yaml:"address" validate:"required"`
	Workers int    `yaml:"workers" validate:"gte=0"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	variants := make([]VariantConfig, 0, len(model.VariantNames()))
	for _, n := range model.VariantNames() {
		variants = append(variants, VariantConfig{Name: n})
	}
	return &Config{
		Data: Data{
			Dataset:  filepath.Join("data", "WA_Fn-UseC_-Telco-Customer-Churn.csv"),
			Artifact: filepath.Join("models", "churn_model.bin"),
			Registry: "churn.db",
		},
		Split: Split{
			TestFraction: split.DefaultTestFraction,
			Seed:         split.DefaultSeed,
		},
		Train: Train{
			Timeout:  10 * time.Minute,
			Persist:  model.DefaultVariant,
			Variants: variants,
			Imputation: Imputation{
				Training: contract.PolicyMedian,
				Serving:  contract.PolicyZero,
			},
		},
		Tune: Tune{
			Variant: model.DefaultVariant,
			Folds:   split.DefaultFolds,
			Metric:  eval.MetricAccuracy,
			Grid:    tune.DefaultGrid(),
		},
		Explain: explain.DefaultConfig(),
		Serve: Serve{
			Address: ":8080",
		},
	}
}

// Validate checks struct constraints and cross-references between
// sections.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config required")
	}
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	for _, v := range c.Train.Variants {
		if _, err := model.Lookup(v.Name); err != nil {
			return errors.Wrap(err, "train.variants")
		}
		if err := v.Params.Validate(); err != nil {
			return errors.Wrapf(err, "train.variants %s", v.Name)
		}
	}
	if c.Train.Persist != "" && !c.hasVariant(c.Train.Persist) {
		return errors.Errorf("train.persist %q is not one of the trained variants", c.Train.Persist)
	}
	if _, err := model.Lookup(c.Tune.Variant); err != nil {
		return errors.Wrap(err, "tune.variant")
	}
	if err := eval.CheckMetric(c.Tune.Metric); err != nil {
		return errors.Wrap(err, "tune.metric")
	}
	if err := c.Tune.Grid.Validate(); err != nil {
		return errors.Wrap(err, "tune.grid")
	}
	if _, err := explain.New(c.Explain); err != nil {
		return errors.Wrap(err, "explain")
	}
	return nil
}

func (c *Config) hasVariant(name string) bool {
	for _, v := range c.Train.Variants {
		if v.Name == name {
			return true
		}
	}
	return false
}

// Load reads the config file at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file: %s", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Save writes c to path, creating the parent directory.
func Save(path string, c *Config) error {
	if path == "" {
		return errors.New("config path required")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return errors.Wrapf(err, "failed to create dir: %s", dir)
		}
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write config file: %s", path)
	}
	return nil
}

// ResolvePath returns p relative to the config file directory unless p is
// absolute.
func ResolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) || configPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
