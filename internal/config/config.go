// Package config loads the experiment configuration: where to save the model, which devices to use, and
// the training hyperparameters.
//
// It is read from a YAML file, e.g.:
//
//	path:
//	  experiment: ~/experiments/inpaint/
//	  train: ~/data/places/train
//	gpu: "0,1"
//	training:
//	  learning_rate: 0.0001
//	  beta1: 0.5
//	  beta2: 0.9
//	  batch_size: 16
//	  image_size: 64
//	hyperparameters: "unet_channels=16;32;64,unet_residual_blocks=2"
//
// Fields not given take the values from Default.
package config

import (
	"github.com/janpfeifer/inpaintGo/internal/generics"
	"github.com/janpfeifer/inpaintGo/internal/parameters"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// Config of an experiment.
type Config struct {
	Path Paths `yaml:"path"`

	// GPU is a comma-separated list of device ids, e.g. "0,1". Empty uses the default device.
	GPU string `yaml:"gpu"`

	Training Training `yaml:"training"`

	// Hyperparameters for the model, as a configuration string "key=value,...".
	// See package parameters.
	Hyperparameters string `yaml:"hyperparameters"`
}

// Paths used by the experiment.
type Paths struct {
	// Experiment is the directory where checkpoints are saved.
	Experiment string `yaml:"experiment"`

	// Train is the directory with the training images.
	Train string `yaml:"train"`
}

// Training hyperparameters.
type Training struct {
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	BatchSize    int     `yaml:"batch_size"`
	ImageSize    int     `yaml:"image_size"`

	// Steps is the number of training steps (batches) to train for, including steps already trained
	// by a loaded checkpoint.
	Steps int `yaml:"steps"`

	// SaveInterval is the number of iterations between checkpoint saves.
	SaveInterval int `yaml:"save_interval"`

	// Losses to backpropagate: any of "l1" and "mse".
	Losses []string `yaml:"losses"`

	// Seed for shuffling and mask generation.
	Seed int64 `yaml:"seed"`
}

// KnownLosses that can be configured in Training.Losses.
var KnownLosses = generics.SetWith("l1", "mse")

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Path: Paths{
			Experiment: "./experiments/",
		},
		Training: Training{
			LearningRate: 0.0001,
			Beta1:        0.9,
			Beta2:        0.999,
			BatchSize:    8,
			ImageSize:    64,
			Steps:        10_000,
			SaveInterval: 1_000,
			Losses:       []string{"l1"},
			Seed:         42,
		},
	}
}

// Load configuration from the YAML file in filePath, on top of the Default values.
func Load(filePath string) (*Config, error) {
	contents, err := os.ReadFile(ReplaceTilde(filePath))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", filePath)
	}
	cfg := Default()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration in %q", filePath)
	}
	cfg.Path.Experiment = ReplaceTilde(cfg.Path.Experiment)
	cfg.Path.Train = ReplaceTilde(cfg.Path.Train)
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration in %q", filePath)
	}
	return cfg, nil
}

// Validate checks the configuration values are valid.
func (cfg *Config) Validate() error {
	if cfg.Path.Experiment == "" {
		return errors.New("path.experiment must be set")
	}
	t := &cfg.Training
	if t.LearningRate <= 0 {
		return errors.Errorf("training.learning_rate must be > 0, got %g", t.LearningRate)
	}
	if t.Beta1 < 0 || t.Beta1 >= 1 || t.Beta2 < 0 || t.Beta2 >= 1 {
		return errors.Errorf("training.beta1 and training.beta2 must be in [0, 1), got %g and %g", t.Beta1, t.Beta2)
	}
	if t.BatchSize <= 0 {
		return errors.Errorf("training.batch_size must be > 0, got %d", t.BatchSize)
	}
	if t.ImageSize <= 0 {
		return errors.Errorf("training.image_size must be > 0, got %d", t.ImageSize)
	}
	if len(t.Losses) == 0 {
		return errors.New("training.losses must have at least one loss, \"l1\" and/or \"mse\"")
	}
	for _, loss := range t.Losses {
		if !KnownLosses.Has(loss) {
			return errors.Errorf("training.losses has unknown loss %q, valid values are \"l1\" and \"mse\"", loss)
		}
	}
	return nil
}

// Params returns the Hyperparameters parsed as parameters.Params.
func (cfg *Config) Params() parameters.Params {
	return parameters.NewFromConfigString(cfg.Hyperparameters)
}

// ApplyParams overwrites training values from params, popping the keys it uses.
// This allows the command line to override the configuration file.
func (cfg *Config) ApplyParams(params parameters.Params) error {
	var err error
	t := &cfg.Training
	if cfg.Path.Train, err = parameters.PopParamOr(params, "train", cfg.Path.Train); err != nil {
		return err
	}
	if cfg.Path.Experiment, err = parameters.PopParamOr(params, "experiment", cfg.Path.Experiment); err != nil {
		return err
	}
	// Lists in params use parameters.ListSeparator, since "," separates the parameters.
	gpu, err := parameters.PopParamOr(params, "gpu", cfg.GPU)
	if err != nil {
		return err
	}
	cfg.GPU = strings.ReplaceAll(gpu, parameters.ListSeparator, ",")
	if t.LearningRate, err = parameters.PopParamOr(params, "learning_rate", t.LearningRate); err != nil {
		return err
	}
	if t.Beta1, err = parameters.PopParamOr(params, "beta1", t.Beta1); err != nil {
		return err
	}
	if t.Beta2, err = parameters.PopParamOr(params, "beta2", t.Beta2); err != nil {
		return err
	}
	if t.BatchSize, err = parameters.PopParamOr(params, "batch_size", t.BatchSize); err != nil {
		return err
	}
	if t.ImageSize, err = parameters.PopParamOr(params, "image_size", t.ImageSize); err != nil {
		return err
	}
	if t.Steps, err = parameters.PopParamOr(params, "steps", t.Steps); err != nil {
		return err
	}
	if t.SaveInterval, err = parameters.PopParamOr(params, "save_interval", t.SaveInterval); err != nil {
		return err
	}
	losses, err := parameters.PopParamOr(params, "losses", strings.Join(t.Losses, parameters.ListSeparator))
	if err != nil {
		return err
	}
	if losses != "" {
		t.Losses = strings.Split(losses, parameters.ListSeparator)
	}
	return cfg.Validate()
}

// LoadWithOverrides loads the configuration from filePath (or uses Default if it is empty), and applies the
// overrides given as a configuration string "key=value,...".
//
// Overrides not used by the configuration itself are model hyperparameters, and are merged into
// Hyperparameters, replacing the values of the same keys.
func LoadWithOverrides(filePath, overrides string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		var err error
		if cfg, err = Load(filePath); err != nil {
			return nil, err
		}
	}
	params := parameters.NewFromConfigString(overrides)
	if err := cfg.ApplyParams(params); err != nil {
		return nil, errors.WithMessagef(err, "invalid overrides %q", overrides)
	}
	if len(params) > 0 {
		hyperparameters := cfg.Params()
		maps.Copy(hyperparameters, params)
		cfg.Hyperparameters = hyperparameters.String()
	}
	return cfg, cfg.Validate()
}

// ReplaceTilde in the start of a path with the user's home directory.
func ReplaceTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
