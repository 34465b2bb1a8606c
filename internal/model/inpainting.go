// Package model implements the InpaintingModel: it wraps a generator network with checkpointing
// (Load/Save), the forward pass and losses (Process), and the gradient and optimizer step (Backward).
//
// Gradients, the Adam optimizer, device placement and serialization are all delegated to GoMLX.
// Because GoMLX graphs are functional (there is no persistent autograd tape), the gradients of a loss
// are calculated in Backward by re-running the forward pass on the batch that produced it.
package model

import (
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/inpaintGo/internal/config"
	"github.com/janpfeifer/inpaintGo/internal/generator"
	"github.com/janpfeifer/inpaintGo/internal/generics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"path"
	"strings"
	"sync"
)

// Name of the InpaintingModel, also used for its checkpoint file name.
const Name = "InpaintingModel"

// InpaintingModel reconstructs the masked regions of images with a generator network, trained with
// the Adam optimizer on L1 and/or MSE losses.
//
// Typical training step:
//
//	outputs, losses, err := m.Process(batch)
//	...
//	err = m.Backward(losses.L1(), nil)
//
// It is not safe for concurrent use.
type InpaintingModel struct {
	Base

	backend   backends.Backend
	generator generator.Generator
	optimizer optimizers.Interface

	// devices the generator is replicated on: the batch is split evenly across them.
	devices []backends.DeviceNum

	// Executors per device: forwardExecs return outputs and losses, gradientExecs return the
	// gradients of the weighted losses with respect to the trainable variables.
	forwardExecs, gradientExecs []*context.Exec

	// addExec adds two lists of gradients, and stepExec applies the optimizer to the accumulated gradients.
	// Both run in device 0.
	addExec  *Exec
	stepExec *context.Exec

	// trainable variables, in the order of the gradients returned by gradientExecs.
	trainable []*context.Variable

	// gradients summed since the last Process, one per trainable variable, and the number of
	// gradients (one per loss and replica) added to them.
	gradients      []*tensors.Tensor
	numAccumulated int

	// warmed records the graphs already built for a given executor and shard sizes: graph building is
	// done sequentially, only cached graphs are executed in parallel.
	muWarmed sync.Mutex
	warmed   map[string]bool
}

// New creates an InpaintingModel configured by cfg, with fresh (random) weights.
//
// Call Load to restore it from the checkpoint in the experiment directory, if one exists.
func New(backend backends.Backend, cfg *config.Config) (*InpaintingModel, error) {
	ids, err := ParseDevices(cfg.GPU)
	if err != nil {
		return nil, err
	}
	devices, err := replicaDevices(backend, ids)
	if err != nil {
		return nil, err
	}
	return newWithDevices(backend, cfg, devices)
}

// newWithDevices creates the model replicated on the given devices.
func newWithDevices(backend backends.Backend, cfg *config.Config, devices []backends.DeviceNum) (*InpaintingModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.Errorf("%s requires at least one device", Name)
	}
	// The RNG state variable is created on first use: the context must have no variables until Load.
	ctx := context.New()
	generator.SetDefaultParams(ctx)
	params := cfg.Params()
	if err := extractParams(Name, params, ctx); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown hyperparameters for model %s: %v", Name, params.Keys())
	}
	ctx = ctx.Checked(false)

	gen, err := generator.New(ctx)
	if err != nil {
		return nil, err
	}

	m := &InpaintingModel{
		Base:      newBase(Name, cfg.Path.Experiment, ctx),
		backend:   backend,
		generator: gen,
		optimizer: optimizers.Adam().
			LearningRate(cfg.Training.LearningRate).
			Betas(cfg.Training.Beta1, cfg.Training.Beta2).
			Done(),
		devices: devices,
		warmed:  make(map[string]bool),
	}
	for _, device := range devices {
		m.forwardExecs = append(m.forwardExecs,
			context.NewExec(backend, ctx, m.forwardGraph).InDevice(device))
		m.gradientExecs = append(m.gradientExecs,
			context.NewExec(backend, ctx, m.gradientGraph).InDevice(device))
	}
	m.addExec = NewExec(backend, addGradientsGraph).InDevice(devices[0])
	m.stepExec = context.NewExec(backend, ctx, m.stepGraph).InDevice(devices[0])
	klog.V(1).Infof("Created %s on backend %q, devices %v", m, backend.Name(), devices)
	return m, nil
}

// String implements fmt.Stringer.
func (m *InpaintingModel) String() string {
	if m == nil {
		return "<nil>[" + Name + "]"
	}
	return fmt.Sprintf("%s[%s]", &m.Base, m.backend.Name())
}

// NumReplicas returns the number of devices the generator is replicated on.
func (m *InpaintingModel) NumReplicas() int {
	return len(m.devices)
}

// NumParameters returns the number of trainable scalars of the generator, and a human-readable
// description. It is 0 until the model is first used or loaded.
func (m *InpaintingModel) NumParameters() (int, string) {
	var count int
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && isGeneratorVariable(v) {
			count += v.Shape().Size()
		}
	})
	return count, humanize.Comma(int64(count))
}

// Load the model from its checkpoint, see Base.Load.
//
// Checkpoints don't record which variables are trainable, so after loading only the generator
// variables are left trainable.
func (m *InpaintingModel) Load() error {
	if err := m.Base.Load(); err != nil {
		return err
	}
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && !isGeneratorVariable(v) {
			v.SetTrainable(false)
		}
	})
	return nil
}

// isGeneratorVariable returns whether v belongs to the generator network.
func isGeneratorVariable(v *context.Variable) bool {
	scope := context.RootScope + generator.Scope
	return v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator)
}

// Forward runs the generator on the batch, and returns the reconstructed images.
// It doesn't change the iteration counter.
func (m *InpaintingModel) Forward(batch *Batch) (*tensors.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	shards := batch.Split(generics.SplitSizes(batch.Size(), len(m.devices)))
	results, err := m.runForward(shards)
	if err != nil {
		return nil, err
	}
	return concatTensors(generics.SliceMap(results, func(r []*tensors.Tensor) *tensors.Tensor { return r[0] })), nil
}

// Process runs the forward pass on the batch and calculates its losses, against the batch images as
// ground truth.
//
// It increments the iteration counter and clears the gradients accumulated by previous calls to
// Backward. It returns the reconstructed images and the losses "l1" and "mse".
func (m *InpaintingModel) Process(batch *Batch) (*tensors.Tensor, Losses, error) {
	if err := batch.Validate(); err != nil {
		return nil, nil, err
	}
	m.incrementIteration()
	m.zeroGradients()

	// Input tensors are never donated, so the batch images are preserved as ground truth.
	shards := batch.Split(generics.SplitSizes(batch.Size(), len(m.devices)))
	results, err := m.runForward(shards)
	if err != nil {
		return nil, nil, err
	}
	fractions := shardFractions(shards)
	var l1, mse float32
	for ii, result := range results {
		l1 += fractions[ii] * tensors.ToScalar[float32](result[1])
		mse += fractions[ii] * tensors.ToScalar[float32](result[2])
	}
	outputs := concatTensors(generics.SliceMap(results, func(r []*tensors.Tensor) *tensors.Tensor { return r[0] }))
	lossesMap := Losses{
		L1LossName:  &Loss{Name: L1LossName, Value: l1, model: m, shards: shards},
		MSELossName: &Loss{Name: MSELossName, Value: mse, model: m, shards: shards},
	}
	klog.V(2).Infof("%s: iteration %d, %s, %s", m.name, m.Iteration(), lossesMap.L1(), lossesMap.MSE())
	return outputs, lossesMap, nil
}

// Backward accumulates the gradients of the given losses (nil losses are skipped), and then performs
// one optimizer step with the accumulated gradients.
//
// Passing both losses adds their gradients before the single step: it is neither averaged nor weighted.
// The accumulated gradients are only cleared by the next call to Process.
func (m *InpaintingModel) Backward(l1Loss, mseLoss *Loss) error {
	for _, loss := range []*Loss{l1Loss, mseLoss} {
		if loss == nil {
			continue
		}
		if err := m.accumulateGradients(loss); err != nil {
			return err
		}
	}
	return m.step()
}

// zeroGradients clears the accumulated gradients.
func (m *InpaintingModel) zeroGradients() {
	finalizeAll(m.gradients)
	m.gradients = nil
	m.numAccumulated = 0
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		t.FinalizeAll()
	}
}

// accumulateGradients calculates the gradients of loss and appends them to the accumulated gradients.
// With more than one replica, each device calculates the gradients of its shard (scaled by the fraction
// of the batch in the shard), and they are all accumulated.
func (m *InpaintingModel) accumulateGradients(loss *Loss) error {
	if loss.model != m {
		return errors.Errorf("%s: loss %s was not produced by this model", m.name, loss.Name)
	}
	var weightL1, weightMSE float32
	switch loss.Name {
	case L1LossName:
		weightL1 = 1
	case MSELossName:
		weightMSE = 1
	default:
		return errors.Errorf("%s: unknown loss %q", m.name, loss.Name)
	}
	fractions := shardFractions(loss.shards)
	results, err := m.runSharded("gradient", m.gradientExecs, loss.shards, func(ii int, shard *Batch) []any {
		return []any{shard.Images, shard.Masks, shard.PadMasks,
			tensors.FromScalar(weightL1 * fractions[ii]), tensors.FromScalar(weightMSE * fractions[ii])}
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to calculate gradients of loss %s", m.name, loss.Name)
	}
	for _, grads := range results {
		if err := m.addGradients(grads); err != nil {
			return err
		}
	}
	return nil
}

// addGradients adds grads to the accumulated gradients, taking ownership of them.
//
// The sum is kept in one tensor per trainable variable, so the step graph always takes the same
// number of inputs.
func (m *InpaintingModel) addGradients(grads []*tensors.Tensor) error {
	if len(grads) != len(m.trainable) {
		return errors.Errorf("%s: got %d gradients for %d trainable variables", m.name, len(grads), len(m.trainable))
	}
	m.numAccumulated++
	if m.gradients == nil {
		m.gradients = grads
		return nil
	}
	args := make([]any, 0, 2*len(grads))
	for _, grad := range m.gradients {
		args = append(args, grad)
	}
	for _, grad := range grads {
		args = append(args, grad)
	}
	var sums []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { sums = m.addExec.Call(args...) })
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to accumulate gradients", m.name)
	}
	finalizeAll(m.gradients)
	finalizeAll(grads)
	m.gradients = sums
	return nil
}

// step applies the optimizer to the accumulated gradients. If there are none, a zero gradient is used.
func (m *InpaintingModel) step() error {
	if len(m.trainable) == 0 {
		klog.V(1).Infof("%s: no trainable variables yet, skipping optimizer step", m.name)
		return nil
	}
	args := make([]any, len(m.trainable))
	for ii, v := range m.trainable {
		if m.gradients == nil {
			args[ii] = tensors.FromShape(v.Shape())
		} else {
			args[ii] = m.gradients[ii]
		}
	}
	return exceptions.TryCatch[error](func() {
		gradNorm := m.stepExec.Call(args...)[0]
		klog.V(2).Infof("%s: optimizer step with %d accumulated gradients, |grad|=%.4g",
			m.name, m.numAccumulated, tensors.ToScalar[float32](gradNorm))
	})
}

// runForward runs the forward executors on the shards, and returns for each shard its outputs,
// L1 loss and MSE loss.
func (m *InpaintingModel) runForward(shards []*Batch) ([][]*tensors.Tensor, error) {
	return m.runSharded("forward", m.forwardExecs, shards, func(_ int, shard *Batch) []any {
		return []any{shard.Images, shard.Masks, shard.PadMasks}
	})
}

// runSharded executes execs[ii] on shards[ii] with the arguments returned by argsFn.
//
// The first time a combination of executor and shard sizes is seen, the shards are executed
// sequentially, since building graphs may create variables in the shared context. Afterward,
// they are executed in parallel.
func (m *InpaintingModel) runSharded(name string, execs []*context.Exec, shards []*Batch,
	argsFn func(ii int, shard *Batch) []any) ([][]*tensors.Tensor, error) {
	results := make([][]*tensors.Tensor, len(shards))
	runShard := func(ii int) error {
		return exceptions.TryCatch[error](func() {
			results[ii] = execs[ii].Call(argsFn(ii, shards[ii])...)
		})
	}

	key := fmt.Sprintf("%s:%v", name, generics.SliceMap(shards, func(s *Batch) string { return s.Images.Shape().String() }))
	m.muWarmed.Lock()
	warmed := m.warmed[key]
	m.muWarmed.Unlock()
	if !warmed || len(shards) == 1 {
		for ii := range shards {
			if err := runShard(ii); err != nil {
				return nil, err
			}
		}
		m.muWarmed.Lock()
		m.warmed[key] = true
		m.muWarmed.Unlock()
		return results, nil
	}

	var wg errgroup.Group
	for ii := range shards {
		wg.Go(func() error { return runShard(ii) })
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// forwardGraph returns the generated outputs, and the L1 and MSE losses against the input images.
func (m *InpaintingModel) forwardGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, masks, padMasks := inputs[0], inputs[1], inputs[2]
	outputs := m.generator.BuildGraph(ctx, images, masks, padMasks)
	l1, mse := lossesGraph(images, outputs)
	return []*Node{outputs, l1, mse}
}

// gradientGraph returns the gradients of weightL1*L1 + weightMSE*MSE with respect to each
// trainable variable.
func (m *InpaintingModel) gradientGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, masks, padMasks, weightL1, weightMSE := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	g := images.Graph()
	ctx.SetTraining(g, true)
	outputs := m.generator.BuildGraph(ctx, images, masks, padMasks)
	l1, mse := lossesGraph(images, outputs)
	loss := Add(Mul(l1, weightL1), Mul(mse, weightMSE))

	var trainable []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	})
	m.setTrainable(trainable)
	values := generics.SliceMap(trainable, func(v *context.Variable) *Node { return v.ValueGraph(g) })
	return Gradient(loss, values...)
}

// setTrainable records the trainable variables on the first gradient graph built, and checks that later
// graphs use the same ones.
func (m *InpaintingModel) setTrainable(trainable []*context.Variable) {
	if len(trainable) == 0 {
		exceptions.Panicf("%s: generator has no trainable variables", m.name)
	}
	if m.trainable == nil {
		m.trainable = trainable
		return
	}
	if len(m.trainable) != len(trainable) {
		exceptions.Panicf("%s: gradient graph uses %d trainable variables, previously %d",
			m.name, len(trainable), len(m.trainable))
	}
	for ii, v := range trainable {
		if v != m.trainable[ii] {
			exceptions.Panicf("%s: trainable variable #%d changed from %s to %s", m.name, ii,
				variablePath(m.trainable[ii]), variablePath(v))
		}
	}
}

// addGradientsGraph returns the element-wise sum of two lists of gradients, given concatenated.
func addGradientsGraph(grads []*Node) []*Node {
	half := len(grads) / 2
	sums := make([]*Node, half)
	for ii := range sums {
		sums[ii] = Add(grads[ii], grads[half+ii])
	}
	return sums
}

// stepGraph applies the optimizer to the accumulated gradients, one per trainable variable.
//
// The optimizer is given the loss sum_v <grad_v, v>, whose gradient with respect to each variable v is
// exactly grad_v. It returns the L2 norm of the gradients.
func (m *InpaintingModel) stepGraph(ctx *context.Context, grads []*Node) *Node {
	if len(m.trainable) == 0 || len(grads) != len(m.trainable) {
		exceptions.Panicf("%s: got %d gradients for %d trainable variables", m.name, len(grads), len(m.trainable))
	}
	g := grads[0].Graph()
	ctx.SetTraining(g, true)
	var loss, squaredNorm *Node
	for ii, v := range m.trainable {
		grad := grads[ii]
		term := ReduceAllSum(Mul(grad, v.ValueGraph(g)))
		squares := ReduceAllSum(Square(grad))
		if loss == nil {
			loss, squaredNorm = term, squares
		} else {
			loss, squaredNorm = Add(loss, term), Add(squaredNorm, squares)
		}
	}
	m.optimizer.UpdateGraph(ctx, g, loss)
	train.ExecPerStepUpdateGraphFn(ctx, g)
	return Sqrt(squaredNorm)
}

func variablePath(v *context.Variable) string {
	return path.Join(v.Scope(), v.Name())
}
