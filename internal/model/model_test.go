package model

import (
	"fmt"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/inpaintGo/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const testImageSize = 8

func newTestConfig(t *testing.T, experimentDir string) *config.Config {
	cfg := config.Default()
	if experimentDir == "" {
		experimentDir = t.TempDir()
	}
	cfg.Path.Experiment = experimentDir
	cfg.Training.ImageSize = testImageSize
	cfg.Training.BatchSize = 2
	cfg.Training.LearningRate = 1e-3
	cfg.Hyperparameters = "unet_channels=4;8"
	return cfg
}

func newTestModel(t *testing.T, backend backends.Backend, experimentDir string) *InpaintingModel {
	m, err := New(backend, newTestConfig(t, experimentDir))
	require.NoError(t, err)
	return m
}

// newTestBatch with random images, a square hole in the middle and the last row padded.
func newTestBatch(seed uint64, batchSize int) *Batch {
	rng := rand.New(rand.NewPCG(seed, seed))
	size := testImageSize
	batch := &Batch{
		Images:   tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 3)),
		Masks:    tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 1)),
		PadMasks: tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 1)),
	}
	tensors.MutableFlatData(batch.Images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = rng.Float32()
		}
	})
	tensors.MutableFlatData(batch.Masks, func(flat []float32) {
		for ii := range flat {
			row, col := (ii/size)%size, ii%size
			if row >= 2 && row < 6 && col >= 2 && col < 6 {
				flat[ii] = 1
			}
		}
	})
	tensors.MutableFlatData(batch.PadMasks, func(flat []float32) {
		for ii := range flat {
			if (ii/size)%size == size-1 {
				flat[ii] = 1
			}
		}
	})
	return batch
}

// variableValues returns the flat values of all variables in the model, indexed by their scope and name.
func variableValues(m *InpaintingModel, trainableOnly bool) map[string]any {
	values := make(map[string]any)
	m.Context().EnumerateVariables(func(v *context.Variable) {
		if trainableOnly && !v.Trainable {
			return
		}
		values[variablePath(v)] = v.Value().Value()
	})
	return values
}

func TestNew(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, backend, "")
	assert.Equal(t, Name, m.Name())
	assert.Equal(t, Name+CheckpointExtension, filepath.Base(m.CheckpointPath()))
	assert.Equal(t, 1, m.NumReplicas())
	assert.Equal(t, int64(0), m.Iteration())
	assert.Contains(t, m.HyperparametersHelp(), "unet_channels")

	// No variables are created until the model is loaded or used.
	assert.Zero(t, m.numVariables())
	require.NoError(t, m.Load())

	cfg := newTestConfig(t, "")
	cfg.Hyperparameters = "unet_channels=4;8,unknown_param=1"
	_, err := New(backend, cfg)
	require.ErrorContains(t, err, "unknown_param")

	cfg = newTestConfig(t, "")
	cfg.Hyperparameters = "unet_residual_blocks=two"
	_, err = New(backend, cfg)
	require.Error(t, err)
}

func TestLoadMissingCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, backend, filepath.Join(t.TempDir(), "does", "not", "exist"))
	require.NoError(t, m.Load())
	assert.Equal(t, int64(0), m.Iteration())

	// The model is still usable, with its random initialization.
	_, losses, err := m.Process(newTestBatch(1, 2))
	require.NoError(t, err)
	require.NoError(t, m.Backward(losses.L1(), nil))
	assert.Equal(t, int64(1), m.Iteration())
}

func TestLoadAfterUse(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, backend, "")
	_, _, err := m.Process(newTestBatch(1, 2))
	require.NoError(t, err)
	require.Error(t, m.Load())
}

func TestProcess(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, backend, "")
	batch := newTestBatch(1, 2)
	for ii := range 3 {
		outputs, losses, err := m.Process(batch)
		require.NoError(t, err)
		assert.Equal(t, int64(ii+1), m.Iteration())
		assert.Equal(t, batch.Images.Shape(), outputs.Shape())
		require.Len(t, losses, 2)
		assert.Equal(t, L1LossName, losses.L1().Name)
		assert.Equal(t, MSELossName, losses.MSE().Name)
		assert.GreaterOrEqual(t, losses.L1().Value, float32(0))
		assert.GreaterOrEqual(t, losses.MSE().Value, float32(0))
		require.NoError(t, m.Backward(losses.L1(), losses.MSE()))
	}

	// Forward doesn't count as an iteration.
	outputs, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, batch.Images.Shape(), outputs.Shape())
	assert.Equal(t, int64(3), m.Iteration())

	// Invalid batches.
	_, _, err = m.Process(&Batch{Images: batch.Images})
	require.Error(t, err)
	_, _, err = m.Process(&Batch{Images: batch.Images, Masks: batch.Images, PadMasks: batch.PadMasks})
	require.Error(t, err)
	assert.Equal(t, int64(3), m.Iteration())
}

func TestBackward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, backend, "")
	batch := newTestBatch(1, 2)

	// Backward without anything processed is a no-op.
	require.NoError(t, m.Backward(nil, nil))

	// Backward with no losses doesn't change the weights.
	_, _, err := m.Process(batch)
	require.NoError(t, err)
	before := variableValues(m, true)
	require.NoError(t, m.Backward(nil, nil))
	assert.Equal(t, before, variableValues(m, true))

	// Training reduces the L1 loss on the same batch.
	_, losses, err := m.Process(batch)
	require.NoError(t, err)
	initialLoss := losses.L1().Value
	for range 20 {
		_, losses, err = m.Process(batch)
		require.NoError(t, err)
		require.NoError(t, m.Backward(losses.L1(), nil))
	}
	assert.NotEqual(t, before, variableValues(m, true))
	_, losses, err = m.Process(batch)
	require.NoError(t, err)
	assert.Less(t, losses.L1().Value, initialLoss)

	// Losses from another model are rejected.
	other := newTestModel(t, backend, "")
	_, otherLosses, err := other.Process(batch)
	require.NoError(t, err)
	require.Error(t, m.Backward(otherLosses.L1(), nil))
}

// TestBackwardAccumulation checks that backpropagating both losses accumulates their gradients before the
// optimizer step, so it updates the model differently from backpropagating only one of them.
func TestBackwardAccumulation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	experimentDir := t.TempDir()
	batch := newTestBatch(1, 2)

	// Create a common starting point.
	m := newTestModel(t, backend, experimentDir)
	_, _, err := m.Process(batch)
	require.NoError(t, err)
	require.NoError(t, m.Save())

	step := func(both bool) (trainable, all map[string]any) {
		m := newTestModel(t, backend, experimentDir)
		require.NoError(t, m.Load())
		_, losses, err := m.Process(batch)
		require.NoError(t, err)
		if both {
			require.NoError(t, m.Backward(losses.L1(), losses.MSE()))
			assert.Equal(t, 2, m.numAccumulated)
		} else {
			require.NoError(t, m.Backward(losses.L1(), nil))
			assert.Equal(t, 1, m.numAccumulated)
		}
		assert.Len(t, m.gradients, len(m.trainable))
		return variableValues(m, true), variableValues(m, false)
	}
	trainableL1, allL1 := step(false)
	trainableBoth, allBoth := step(true)
	require.Equal(t, len(allL1), len(allBoth))
	assert.NotEqual(t, allL1, allBoth)
	require.Equal(t, len(trainableL1), len(trainableBoth))

	// The first moments of Adam are proportional to the gradients, they must differ for every variable whose
	// gradient of the MSE loss is not zero.
	var numDifferent int
	for key, values := range allL1 {
		if fmt.Sprint(values) != fmt.Sprint(allBoth[key]) {
			numDifferent++
		}
	}
	assert.Greater(t, numDifferent, len(trainableL1)/2)
}

func TestBackwardRepeated(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, backend, "")
	_, losses, err := m.Process(newTestBatch(1, 2))
	require.NoError(t, err)

	// Without a Process in between, gradients keep accumulating, but always summed into one
	// gradient per trainable variable.
	for ii := range 4 {
		require.NoError(t, m.Backward(losses.L1(), losses.MSE()))
		assert.Equal(t, 2*(ii+1), m.numAccumulated)
		require.Len(t, m.gradients, len(m.trainable))
	}
	_, _, err = m.Process(newTestBatch(2, 2))
	require.NoError(t, err)
	assert.Zero(t, m.numAccumulated)
	assert.Nil(t, m.gradients)
}

func TestSaveLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	experimentDir := t.TempDir()
	batch := newTestBatch(1, 2)

	m := newTestModel(t, backend, experimentDir)
	for range 3 {
		_, losses, err := m.Process(batch)
		require.NoError(t, err)
		require.NoError(t, m.Backward(losses.L1(), nil))
	}
	numParams, _ := m.NumParameters()
	require.Positive(t, numParams)
	require.NoError(t, m.Save())
	info, err := os.Stat(m.CheckpointPath())
	require.NoError(t, err)
	require.True(t, info.IsDir())
	wantValues := variableValues(m, false)
	wantOutputs, err := m.Forward(batch)
	require.NoError(t, err)

	loaded := newTestModel(t, backend, experimentDir)
	require.NoError(t, loaded.Load())
	assert.Equal(t, int64(3), loaded.Iteration())
	assert.Equal(t, wantValues, variableValues(loaded, false))

	// Only the generator variables are trainable after loading.
	loadedNumParams, _ := loaded.NumParameters()
	assert.Equal(t, numParams, loadedNumParams)
	loaded.Context().EnumerateVariables(func(v *context.Variable) {
		assert.Equalf(t, isGeneratorVariable(v), v.Trainable, "variable %s", variablePath(v))
	})
	gotOutputs, err := loaded.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](wantOutputs), tensors.CopyFlatData[float32](gotOutputs))

	// Saving again overwrites the checkpoint.
	_, _, err = loaded.Process(batch)
	require.NoError(t, err)
	require.NoError(t, loaded.Save())
	reloaded := newTestModel(t, backend, experimentDir)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, int64(4), reloaded.Iteration())
}

func TestReplicas(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := newTestConfig(t, "")
	cfg.GPU = "0"
	m, err := New(backend, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumReplicas())

	cfg.GPU = "0,x"
	_, err = New(backend, cfg)
	require.Error(t, err)

	numDevices := int(backend.NumDevices())
	cfg.GPU = ""
	for ii := range numDevices + 1 {
		if ii > 0 {
			cfg.GPU += ","
		}
		cfg.GPU += fmt.Sprint(ii)
	}
	_, err = New(backend, cfg)
	require.Error(t, err)

	if numDevices < 2 {
		t.Skipf("Backend %q has only %d device(s), skipping data parallel test", backend.Name(), numDevices)
	}
	cfg.GPU = "0,1"
	m, err = New(backend, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumReplicas())
	batch := newTestBatch(1, 3)
	outputs, losses, err := m.Process(batch)
	require.NoError(t, err)
	assert.Equal(t, batch.Images.Shape(), outputs.Shape())
	require.NoError(t, m.Backward(losses.L1(), losses.MSE()))
	assert.Equal(t, 4, m.numAccumulated)
}

// flatTrainable returns the flat values of the trainable variables, indexed by their scope and name.
func flatTrainable(m *InpaintingModel) map[string][]float32 {
	values := make(map[string][]float32)
	for _, v := range m.trainable {
		values[variablePath(v)] = tensors.CopyFlatData[float32](v.Value())
	}
	return values
}

// TestReplicasMatchSingleDevice replicates the model twice in the same device, and checks that the sharded
// losses, gradients and optimizer step match the ones of a single replica.
func TestReplicasMatchSingleDevice(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	experimentDir := t.TempDir()
	m := newTestModel(t, backend, experimentDir)
	_, _, err := m.Process(newTestBatch(1, 2))
	require.NoError(t, err)
	require.NoError(t, m.Save())

	newLoaded := func(devices []backends.DeviceNum) *InpaintingModel {
		m, err := newWithDevices(backend, newTestConfig(t, experimentDir), devices)
		require.NoError(t, err)
		require.NoError(t, m.Load())
		return m
	}

	// A batch of 1 is not split: the second replica is left idle.
	for _, batchSize := range []int{3, 1} {
		single := newLoaded([]backends.DeviceNum{0})
		replicated := newLoaded([]backends.DeviceNum{0, 0})
		require.Equal(t, 2, replicated.NumReplicas())
		batch := newTestBatch(2, batchSize)

		wantOutputs, wantLosses, err := single.Process(batch)
		require.NoError(t, err)
		gotOutputs, gotLosses, err := replicated.Process(batch)
		require.NoError(t, err)
		assert.Equal(t, wantOutputs.Shape(), gotOutputs.Shape())
		assert.InDeltaSlice(t, tensors.CopyFlatData[float32](wantOutputs), tensors.CopyFlatData[float32](gotOutputs), 1e-5)
		assert.InDelta(t, wantLosses.L1().Value, gotLosses.L1().Value, 1e-5)
		assert.InDelta(t, wantLosses.MSE().Value, gotLosses.MSE().Value, 1e-5)

		// With more than one shard, a second run of the same shapes executes the replicas in parallel.
		outputs, err := replicated.Forward(batch)
		require.NoError(t, err)
		assert.InDeltaSlice(t, tensors.CopyFlatData[float32](gotOutputs), tensors.CopyFlatData[float32](outputs), 1e-6)

		require.NoError(t, single.Backward(wantLosses.L1(), wantLosses.MSE()))
		require.NoError(t, replicated.Backward(gotLosses.L1(), gotLosses.MSE()))
		assert.Equal(t, 2, single.numAccumulated)
		assert.Equal(t, 2*min(batchSize, 2), replicated.numAccumulated)
		require.Len(t, replicated.gradients, len(single.gradients))
		for ii, want := range single.gradients {
			assert.InDeltaSlice(t, tensors.CopyFlatData[float32](want),
				tensors.CopyFlatData[float32](replicated.gradients[ii]), 1e-5, "gradient #%d", ii)
		}

		wantValues, gotValues := flatTrainable(single), flatTrainable(replicated)
		require.Len(t, gotValues, len(wantValues))
		for key, want := range wantValues {
			assert.InDeltaSlice(t, want, gotValues[key], 1e-4, "variable %s", key)
		}
	}
}

func TestParseDevices(t *testing.T) {
	ids, err := ParseDevices("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	ids, err = ParseDevices(" 1, 0 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, ids)

	_, err = ParseDevices("0,-1")
	require.Error(t, err)
	_, err = ParseDevices("gpu0")
	require.Error(t, err)
}

func TestBatchSplit(t *testing.T) {
	batch := newTestBatch(1, 5)
	require.NoError(t, batch.Validate())
	shards := batch.Split([]int{3, 2})
	require.Len(t, shards, 2)
	assert.Equal(t, 3, shards[0].Size())
	assert.Equal(t, 2, shards[1].Size())
	assert.Equal(t, []float32{0.6, 0.4}, shardFractions(shards))
	for _, shard := range shards {
		require.NoError(t, shard.Validate())
	}
	joined := concatTensors([]*tensors.Tensor{shards[0].Images, shards[1].Images})
	assert.Equal(t, batch.Images.Shape(), joined.Shape())
	assert.Equal(t, tensors.CopyFlatData[float32](batch.Images), tensors.CopyFlatData[float32](joined))

	assert.Equal(t, []*Batch{batch}, batch.Split([]int{5}))
	require.Error(t, (&Batch{}).Validate())
}
