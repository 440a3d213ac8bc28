package model

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/ensemble"
	"github.com/pkg/errors"
)

// ArtifactFormat identifies the envelope layout. Loading any other format
// requires a migration.
const ArtifactFormat = "churnctl-model/1"

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// ErrArtifactNotFound is returned by LoadFile when the path does not exist.
var ErrArtifactNotFound = errors.New("model artifact not found")

type envelope struct {
	Format     string
	Version    string
	Contract   contract.State
	Variant    string
	Params     Hyperparams
	Levels     [][]string
	Model      *ensemble.Model
	TrainNanos int64
}

// Save writes the model to w.
func Save(w io.Writer, m *TrainedModel) error {
	if m == nil || m.ens == nil {
		return errors.New("nil model")
	}
	env := envelope{
		Format:     ArtifactFormat,
		Version:    m.contract.Version(),
		Contract:   m.contract.State(),
		Variant:    m.variant,
		Params:     m.params,
		Levels:     m.levels,
		Model:      m.ens,
		TrainNanos: int64(m.trainTime),
	}
	if err := gob.NewEncoder(w).Encode(&env); err != nil {
		return errors.Wrap(err, "failed to encode model artifact")
	}
	return nil
}

// Load reads a model written by Save. The embedded contract is rebuilt and
// must reproduce the recorded version.
func Load(r io.Reader) (*TrainedModel, error) {
	var env envelope
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return nil, errors.Wrapf(ErrIncompatibleArtifact, "decode: %v", err)
	}
	if env.Format != ArtifactFormat {
		return nil, errors.Wrapf(ErrIncompatibleArtifact, "format %q, expected %q", env.Format, ArtifactFormat)
	}
	c, err := contract.FromState(env.Contract)
	if err != nil {
		return nil, errors.Wrapf(ErrIncompatibleArtifact, "contract: %v", err)
	}
	if c.Version() != env.Version {
		return nil, errors.Wrapf(ErrIncompatibleArtifact, "contract version %q, artifact records %q", c.Version(), env.Version)
	}
	if env.Model == nil || env.Model.Width != contract.Width() {
		return nil, errors.Wrap(ErrIncompatibleArtifact, "model width does not match schema")
	}
	levels := env.Levels
	if len(levels) != contract.Width() {
		levels = make([][]string, contract.Width())
	}
	return newTrainedModel(env.Variant, env.Params, c, levels, env.Model, time.Duration(env.TrainNanos)), nil
}

// Marshal returns the serialized artifact.
func Marshal(m *TrainedModel) ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses an artifact produced by Marshal.
func Unmarshal(b []byte) (*TrainedModel, error) {
	return Load(bytes.NewReader(b))
}

// SaveFile writes the artifact to path, replacing any existing file only
// once the new content is fully written.
func SaveFile(path string, m *TrainedModel) error {
	if path == "" {
		return errors.New("artifact path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	defer os.Remove(tmp.Name())

	if err := Save(tmp, m); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		return errors.Wrapf(err, "failed to set permissions on %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to move artifact to %s", path)
	}
	return nil
}

// LoadFile reads the artifact at path.
func LoadFile(path string) (*TrainedModel, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrArtifactNotFound, path)
		}
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return m, nil
}
