// trainer trains the InpaintingModel on a directory of images.
//
// Example:
//
//	$ trainer -config=experiment.yaml -set="batch_size=16,unet_channels=16;32;64" -steps=20000
//
// The model is loaded from (and saved to) <path.experiment>/InpaintingModel.ckpt, so training
// continues where a previous run stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/inpaintGo/internal/config"
	"github.com/janpfeifer/inpaintGo/internal/dataset"
	"github.com/janpfeifer/inpaintGo/internal/model"
	"github.com/janpfeifer/inpaintGo/internal/profilers"
	"github.com/janpfeifer/inpaintGo/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"strings"
	"time"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// Flags
var (
	flagConfig = flag.String("config", "", "YAML configuration file. If empty, the default configuration is used.")
	flagSet    = flag.String("set", "", "Overrides to the configuration and model hyperparameters, as "+
		"\"key=value,...\". Lists use \";\" as separator, e.g.: \"gpu=0;1,unet_channels=16;32;64\". "+
		"Use -help_params to list the model hyperparameters.")
	flagSteps     = flag.Int("steps", 0, "If > 0, overrides training.steps: train until this iteration is reached.")
	flagSaveEvery = flag.Int("save_every", 0, "If > 0, overrides training.save_interval.")
	flagLosses    = flag.String("losses", "", "If set, overrides training.losses: comma-separated "+
		"losses to backpropagate, \"l1\" and/or \"mse\".")
	flagHelpParams = flag.Bool("help_params", false, "Prints the model hyperparameters and exits.")
)

// Globals
var (
	// globalCtx is cancelled when the program is interrupted (Ctrl+C).
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C: training stops at the end of the current step, and the model is saved.
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, time.Minute)
	defer globalCancel()

	prof := must.M1(profilers.Setup(globalCtx))
	defer prof.OnQuit()

	cfg := must.M1(loadConfig())
	m := must.M1(model.New(backends.New(), cfg))
	if *flagHelpParams {
		fmt.Println(m.HyperparametersHelp())
		return
	}
	must.M(m.Load())

	s := spinning.New(globalCtx, fmt.Sprintf("Loading images from %s", cfg.Path.Train))
	ds, err := dataset.New(globalCtx, dataset.DefaultConfig(
		cfg.Path.Train, cfg.Training.ImageSize, cfg.Training.BatchSize, cfg.Training.Seed))
	s.Done()
	if globalCtx.Err() != nil {
		return
	}
	must.M(err)

	summary, err := train(globalCtx, m, ds, cfg)
	if summary != nil {
		summary.Print()
	}
	must.M(err)
}

// loadConfig reads the configuration file and applies the overrides from the flags.
// Model hyperparameters given in -set are merged into the configured ones.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithOverrides(*flagConfig, *flagSet)
	if err != nil {
		return nil, err
	}
	if *flagSteps > 0 {
		cfg.Training.Steps = *flagSteps
	}
	if *flagSaveEvery > 0 {
		cfg.Training.SaveInterval = *flagSaveEvery
	}
	if *flagLosses != "" {
		cfg.Training.Losses = strings.Split(*flagLosses, ",")
	}
	if cfg.Path.Train == "" {
		return nil, errors.New("path.train must be set, either in -config or with -set=train=<dir>")
	}
	return cfg, cfg.Validate()
}
