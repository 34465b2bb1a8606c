package model

import (
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"sync"
)

// IterationVariableName is the name of the root scope variable holding the number of processed batches.
// It is saved along the model weights.
const IterationVariableName = "iteration"

// CheckpointExtension appended to the model name to form the checkpoint path.
const CheckpointExtension = ".ckpt"

// Base implements the checkpointing (Load and Save) and the iteration counter shared by the models.
//
// All the state (weights, iteration counter and optimizer variables) lives in the GoMLX context,
// and is saved with the GoMLX checkpoints package to the directory returned by CheckpointPath.
// Only the latest snapshot is kept, so every Save overwrites the previous one.
type Base struct {
	name string

	// ctx holds the variables and hyperparameters of the model.
	ctx *context.Context

	checkpointPath string

	// checkpoint handler, created on Load or on the first Save.
	checkpoint *checkpoints.Handler

	// muSave makes saving sequential.
	muSave sync.Mutex
}

func newBase(name, experimentDir string, ctx *context.Context) Base {
	return Base{
		name:           name,
		ctx:            ctx,
		checkpointPath: filepath.Join(experimentDir, name+CheckpointExtension),
	}
}

// Name of the model.
func (b *Base) Name() string {
	return b.name
}

// Context holding the model variables and hyperparameters.
func (b *Base) Context() *context.Context {
	return b.ctx
}

// CheckpointPath where the model is loaded from and saved to.
func (b *Base) CheckpointPath() string {
	return b.checkpointPath
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	if b == nil {
		return "<nil>[model]"
	}
	return fmt.Sprintf("%s@%s", b.name, b.checkpointPath)
}

// Iteration returns the number of batches processed by the model, including the ones
// processed before it was saved and loaded.
func (b *Base) Iteration() int64 {
	v := b.ctx.InspectVariable(context.RootScope, IterationVariableName)
	if v == nil {
		return 0
	}
	return tensors.ToScalar[int64](v.Value())
}

// incrementIteration adds one to the iteration counter, creating it if needed.
func (b *Base) incrementIteration() {
	v := b.ctx.Checked(false).VariableWithValue(IterationVariableName, int64(0)).SetTrainable(false)
	next := tensors.ToScalar[int64](v.Value()) + 1
	v.SetValue(tensors.FromScalar(next))
}

// numVariables in the model context, not counting the random number generator state.
func (b *Base) numVariables() (count int) {
	b.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() != context.RngStateVariableName {
			count++
		}
	})
	return
}

// Load the model from its checkpoint, replacing its weights and iteration counter.
//
// If there is no checkpoint yet, it logs a warning and returns without error: the model keeps its
// random initialization, and the iteration counter stays at 0.
//
// It must be called before the model is used (and its variables created).
// Errors reading the checkpoint (corrupt files, incompatible shapes) are returned as is.
func (b *Base) Load() error {
	if numVars := b.numVariables(); numVars > 0 {
		return errors.Errorf("%s: Load must be called before the model is used, but it already has %d variables",
			b.name, numVars)
	}
	if _, err := os.Stat(b.checkpointPath); err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("Checkpoint %s not found!", b.checkpointPath)
			return nil
		}
		return errors.Wrapf(err, "failed to access checkpoint %s", b.checkpointPath)
	}
	klog.Infof("Loading %s model...", b.name)
	handler, err := b.buildCheckpoint()
	if err != nil {
		return errors.WithMessagef(err, "failed to load %s from checkpoint %s", b.name, b.checkpointPath)
	}
	b.checkpoint = handler
	found, err := handler.HasCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed to list checkpoints in %s", b.checkpointPath)
	}
	if !found {
		klog.Warningf("Checkpoint %s not found!", b.checkpointPath)
		return nil
	}
	klog.V(1).Infof("Loaded %s: iteration=%d, %d variables", b.name, b.Iteration(), b.numVariables())
	return nil
}

// Save the model variables and iteration counter to its checkpoint, overwriting any previous one.
func (b *Base) Save() error {
	b.muSave.Lock()
	defer b.muSave.Unlock()
	klog.Infof("Saving %s...", b.name)
	if b.checkpoint == nil {
		// The model was not loaded from this path: whatever is there is overwritten, and must not be loaded
		// into the current model.
		if err := os.RemoveAll(b.checkpointPath); err != nil {
			return errors.Wrapf(err, "failed to remove previous checkpoint %s", b.checkpointPath)
		}
		handler, err := b.buildCheckpoint()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint %s", b.checkpointPath)
		}
		b.checkpoint = handler
	}
	if err := b.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save %s to %s", b.name, b.checkpointPath)
	}
	return nil
}

// buildCheckpoint handler, loading immediately the latest checkpoint, if there is one.
// Hyperparameters are not loaded: the configuration always takes precedence.
func (b *Base) buildCheckpoint() (*checkpoints.Handler, error) {
	var handler *checkpoints.Handler
	var buildErr error
	err := exceptions.TryCatch[error](func() {
		handler, buildErr = checkpoints.
			Build(b.ctx).
			Dir(b.checkpointPath).
			Keep(1).
			ExcludeAllParams().
			Immediate().
			Done()
	})
	if err == nil {
		err = buildErr
	}
	return handler, err
}
