package main

import (
	"context"
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/inpaintGo/internal/config"
	"github.com/janpfeifer/inpaintGo/internal/model"
	"github.com/janpfeifer/inpaintGo/internal/ui/cli"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
	"time"
)

// batchSource yields the training batches, see dataset.Dataset.
type batchSource interface {
	YieldForever() (*model.Batch, error)
	Epoch() int
}

// train the model until it reaches cfg.Training.Steps iterations or ctx is cancelled.
// The model is saved every cfg.Training.SaveInterval iterations and at the end.
//
// It returns a summary of the training, also in case of errors.
func train(ctx context.Context, m *model.InpaintingModel, ds batchSource, cfg *config.Config) (*cli.Summary, error) {
	startIteration := m.Iteration()
	endIteration := int64(cfg.Training.Steps)
	numParams, numParamsStr := m.NumParameters()
	klog.Infof("Training %s from iteration %d to %d, losses %v", m, startIteration, endIteration, cfg.Training.Losses)
	if startIteration >= endIteration {
		fmt.Printf("Model already trained for %d iterations (>= %d steps configured)\n", startIteration, endIteration)
		return nil, nil
	}

	bar := progressbar.NewOptions64(endIteration-startIteration,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionThrottle(200*time.Millisecond),
	)

	var (
		losses           model.Losses
		sumL1, sumMSE    float64
		numSteps         int64
		lastSave         = startIteration
		start            = time.Now()
		err              error
		trainingFinished bool
	)
	for !trainingFinished {
		if ctx.Err() != nil {
			klog.Infof("Training interrupted at iteration %d", m.Iteration())
			break
		}
		if err = trainStep(m, ds, cfg.Training.Losses, &losses); err != nil {
			break
		}
		numSteps++
		sumL1 += float64(losses.L1().Value)
		sumMSE += float64(losses.MSE().Value)
		iteration := m.Iteration()
		bar.Describe(fmt.Sprintf("Training [%d] %s %s", iteration, losses.L1(), losses.MSE()))
		_ = bar.Add(1)
		trainingFinished = iteration >= endIteration
		if !trainingFinished && iteration-lastSave >= int64(cfg.Training.SaveInterval) {
			if err = m.Save(); err != nil {
				break
			}
			lastSave = iteration
		}
	}
	_ = bar.Finish()
	fmt.Println()
	elapsed := time.Since(start)

	if numSteps > 0 && m.Iteration() != lastSave {
		if saveErr := m.Save(); saveErr != nil {
			if err == nil {
				err = saveErr
			} else {
				klog.Errorf("Failed to save after error: %+v", saveErr)
			}
		}
	}

	summary := cli.NewSummary(fmt.Sprintf("%s training", m.Name())).
		Add("Checkpoint", m.CheckpointPath()).
		Add("Parameters", numParamsStr).
		Add("Iterations", fmt.Sprintf("%d → %d", startIteration, m.Iteration())).
		Add("Epochs", ds.Epoch()).
		Add("Elapsed", elapsed.Round(time.Second))
	if numSteps > 0 {
		summary.
			Add("Steps/s", fmt.Sprintf("%.2f", float64(numSteps)/elapsed.Seconds())).
			Add("Images", humanize.Comma(numSteps*int64(cfg.Training.BatchSize))).
			Add("Mean l1", fmt.Sprintf("%.4f", sumL1/float64(numSteps))).
			Add("Mean mse", fmt.Sprintf("%.4f", sumMSE/float64(numSteps))).
			Add("Last "+losses.L1().Name, fmt.Sprintf("%.4f", losses.L1().Value)).
			Add("Last "+losses.MSE().Name, fmt.Sprintf("%.4f", losses.MSE().Value))
	}
	if numParams == 0 {
		// Variables are only created on the first step.
		_, numParamsStr = m.NumParameters()
		summary.Add("Parameters (after training)", numParamsStr)
	}
	return summary, err
}

// trainStep processes the next batch and backpropagates the configured losses.
// losses is only updated if the batch is processed successfully.
func trainStep(m *model.InpaintingModel, ds batchSource, lossNames []string, losses *model.Losses) error {
	batch, err := ds.YieldForever()
	if err != nil {
		return err
	}
	_, stepLosses, err := m.Process(batch)
	if err != nil {
		return err
	}
	*losses = stepLosses
	l1, mse, err := selectLosses(stepLosses, lossNames)
	if err != nil {
		return err
	}
	return m.Backward(l1, mse)
}

// selectLosses returns the L1 and MSE losses if they are listed in names, or nil otherwise.
func selectLosses(losses model.Losses, names []string) (l1, mse *model.Loss, err error) {
	for _, name := range names {
		switch name {
		case model.L1LossName:
			l1 = losses.L1()
		case model.MSELossName:
			mse = losses.MSE()
		default:
			return nil, nil, errors.Errorf("unknown loss %q", name)
		}
	}
	return
}
