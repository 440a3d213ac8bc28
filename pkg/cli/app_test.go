package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mchmarny/churnctl/pkg/analytics"
	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/data"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/logging"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/scoring"
	"github.com/mchmarny/churnctl/pkg/tune"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logging.SetDefaultCLILogger("error")
	os.Exit(m.Run())
}

type testEnv struct {
	dir    string
	config string
	conf   *config.Config
	data   *dataset.Dataset
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	d, err := dataset.Synthesize(400, 0.265, 42)
	require.NoError(t, err)
	csvPath := filepath.Join(dir, "telco.csv")
	f, err := os.Create(csvPath)
	require.NoError(t, err)
	require.NoError(t, dataset.Write(f, d))
	require.NoError(t, f.Close())

	c := config.Default()
	c.Data = config.Data{
		Dataset:  csvPath,
		Artifact: filepath.Join(dir, "models", "model.bin"),
		Registry: filepath.Join(dir, "churn.db"),
	}
	small := model.Hyperparams{model.ParamIterations: 15}
	for i := range c.Train.Variants {
		c.Train.Variants[i].Params = small
	}
	c.Tune.Folds = 2
	c.Tune.Grid = tune.Grid{
		{Name: model.ParamIterations, Values: []float64{10, 20}},
		{Name: model.ParamDepth, Values: []float64{3}},
	}
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, config.Save(path, c))
	return &testEnv{dir: dir, config: path, conf: c, data: d}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(context.Background(), append([]string{"churnctl", "--config", e.config}, args...))
	return buf.String(), err
}

func TestTrain_PersistsAndRegisters(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "train")
	require.NoError(t, err)
	for _, v := range model.VariantNames() {
		assert.Contains(t, out, v)
	}
	assert.Contains(t, out, "ACCURACY")

	m, err := model.LoadFile(e.conf.Data.Artifact)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultVariant, m.Variant())

	db, err := data.GetDB(e.conf.Data.Registry)
	require.NoError(t, err)
	defer db.Close()
	entry, _, err := data.GetLatestModel(db)
	require.NoError(t, err)
	assert.Equal(t, m.Version(), entry.Version)
	run, rows, err := data.GetLatestComparison(db)
	require.NoError(t, err)
	assert.Equal(t, data.RunTrain, run.Kind)
	assert.Len(t, rows, len(model.VariantNames()))
}

func TestTrain_JSONAndPersistFlag(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "--format", "json", "train", "--persist", model.VariantForest)
	require.NoError(t, err)

	var res trainResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Results, len(model.VariantNames()))
	require.NotNil(t, res.Persist)
	assert.Equal(t, model.VariantForest, res.Persist.Variant)
	assert.Equal(t, e.conf.Data.Artifact, res.Artifact)

	_, err = e.run(t, "train", "--persist", "xgboost")
	assert.Error(t, err)
}

func TestDefaultActionTrains(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t)
	require.NoError(t, err)
	_, err = os.Stat(e.conf.Data.Artifact)
	assert.NoError(t, err)
}

func TestTrain_MissingDataset(t *testing.T) {
	e := newEnv(t)
	missing := filepath.Join(e.dir, "nope.csv")
	_, err := e.run(t, "--data", missing, "train")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrDatasetNotFound))
	assert.Contains(t, err.Error(), missing)
}

func TestCompare(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "--format", "yaml", "compare")
	require.NoError(t, err)
	assert.Contains(t, out, "accuracy:")

	_, err = os.Stat(e.conf.Data.Artifact)
	assert.True(t, os.IsNotExist(err))
}

func TestTune_Save(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "--format", "json", "tune", "--save")
	require.NoError(t, err)

	var res tune.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, model.DefaultVariant, res.Variant)
	assert.Len(t, res.Points, 2)
	assert.Contains(t, []float64{10, 20}, res.Best[model.ParamIterations])

	m, err := model.LoadFile(e.conf.Data.Artifact)
	require.NoError(t, err)
	assert.Equal(t, res.Best[model.ParamIterations], m.Params()[model.ParamIterations])

	out, err = e.run(t, "tune", "--variant", model.VariantGBT)
	require.NoError(t, err)
	assert.Contains(t, out, "variant: gbt")
}

func TestScoreCustomersSummary(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "score", "--id", e.data.Records[0].ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrArtifactNotFound))

	_, err = e.run(t, "train")
	require.NoError(t, err)

	id := e.data.Records[7].ID
	out, err := e.run(t, "--format", "json", "score", "--id", id)
	require.NoError(t, err)
	var sc scoring.Score
	require.NoError(t, json.Unmarshal([]byte(out), &sc))
	assert.Equal(t, id, sc.CustomerID)
	require.NotNil(t, sc.Explanation)

	out, err = e.run(t, "score", "--id", id)
	require.NoError(t, err)
	assert.Contains(t, out, "churn probability")
	assert.Contains(t, out, "recommendation:")

	_, err = e.run(t, "score", "--id", "nobody")
	assert.True(t, errors.Is(err, scoring.ErrCustomerNotFound))

	out, err = e.run(t, "customers")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), e.data.Len())

	out, err = e.run(t, "--format", "json", "summary", "--contract", "Month-to-month")
	require.NoError(t, err)
	var sum analytics.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, "Month-to-month", sum.Filter.Contract)
	assert.Greater(t, sum.Customers, 0)
	assert.Less(t, sum.Customers, e.data.Len())

	out, err = e.run(t, "summary")
	require.NoError(t, err)
	assert.Contains(t, out, "churn rate")
}

func TestTrain_Importance(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "--format", "json", "train")
	require.NoError(t, err)

	var res trainResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Importance, contract.Width())
	for i := 1; i < len(res.Importance); i++ {
		assert.GreaterOrEqual(t, res.Importance[i-1].Importance, res.Importance[i].Importance)
	}
	assert.Contains(t, contract.Names(), res.Importance[0].Feature)
	assert.Greater(t, res.Importance[0].Importance, 0.0)

	out, err = e.run(t, "train")
	require.NoError(t, err)
	assert.Contains(t, out, "feature importance")
}

func TestTrain_ImputationConfig(t *testing.T) {
	e := newEnv(t)
	e.conf.Train.Imputation.Training = contract.PolicyZero
	require.NoError(t, config.Save(e.config, e.conf))

	_, err := e.run(t, "train")
	require.NoError(t, err)
	m, err := model.LoadFile(e.conf.Data.Artifact)
	require.NoError(t, err)
	assert.Equal(t, contract.PolicyZero, m.Contract().TrainingPolicy())
	assert.Equal(t, contract.PolicyZero, m.Contract().ServingPolicy())
}

func TestScore_FallsBackToRegistry(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "train", "--persist", model.VariantGBT)
	require.NoError(t, err)
	require.NoError(t, os.Remove(e.conf.Data.Artifact))

	out, err := e.run(t, "--format", "json", "score", "--id", e.data.Records[2].ID)
	require.NoError(t, err)
	var sc scoring.Score
	require.NoError(t, json.Unmarshal([]byte(out), &sc))
	assert.Equal(t, model.VariantGBT, sc.Variant)
}

func TestRegistryCommands(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "tuning")
	assert.True(t, errors.Is(err, data.ErrNotFound))

	out, err := e.run(t, "--format", "json", "train")
	require.NoError(t, err)
	var res trainResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	_, err = e.run(t, "tune", "--save")
	require.NoError(t, err)

	out, err = e.run(t, "--format", "json", "models", "--limit", "5")
	require.NoError(t, err)
	var list []*data.ModelEntry
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, res.Persist.ID, list[1].ID)

	out, err = e.run(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, res.Persist.ID)
	assert.Contains(t, out, "CONTRACT")

	out, err = e.run(t, "--format", "json", "run", "--id", res.RunID)
	require.NoError(t, err)
	var detail runDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, data.RunTrain, detail.Run.Kind)
	assert.Len(t, detail.Results, len(model.VariantNames()))

	out, err = e.run(t, "run", "--id", res.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "ACCURACY")

	_, err = e.run(t, "run", "--id", "missing")
	assert.True(t, errors.Is(err, data.ErrNotFound))

	out, err = e.run(t, "tuning")
	require.NoError(t, err)
	assert.Contains(t, out, "best params")
	assert.Contains(t, out, "(tune)")
}

func TestRegistryComparer(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "compare")
	require.NoError(t, err)

	app := newApp()
	app.Action = func(ctx context.Context, cmd *cli.Command) error {
		rows, err := registryComparer{cfg: getConfig(cmd)}.Compare(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, len(model.VariantNames()))
		return nil
	}
	require.NoError(t, app.Run(context.Background(), []string{"churnctl", "--config", e.config}))
}

func TestGenerate(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.dir, "gen", "out.csv")
	_, err := e.run(t, "generate", "--records", "50", "--output", path)
	require.NoError(t, err)
	d, err := dataset.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, d.Len())
}

func TestInvalidFormat(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "--format", "xml", "customers")
	assert.Error(t, err)
}

func TestChooseModel(t *testing.T) {
	rep := &eval.Report{
		Results: []eval.ComparisonResult{{Model: "a", Error: "boom"}, {Model: "b", Error: "boom"}},
		Models:  []*model.TrainedModel{nil, nil},
	}
	_, err := chooseModel(rep, "best")
	assert.Error(t, err)
	_, err = chooseModel(rep, "a")
	assert.Error(t, err)
}
