package generator

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func newTestContext() *context.Context {
	ctx := context.New()
	SetDefaultParams(ctx)
	ctx.SetParam(ParamChannels, []int{4, 8})
	return ctx.Checked(false)
}

// testInputs returns images filled with 0.5, a mask over the first row and a padding mask over the
// last column.
func testInputs(batchSize, size int) (images, masks, padMasks *tensors.Tensor) {
	images = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 3))
	tensors.MutableFlatData(images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 0.5
		}
	})
	masks = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 1))
	padMasks = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 1))
	tensors.MutableFlatData(masks, func(flat []float32) {
		for ii := range size {
			flat[ii] = 1
		}
	})
	tensors.MutableFlatData(padMasks, func(flat []float32) {
		for row := range batchSize * size {
			flat[row*size+size-1] = 1
		}
	})
	return
}

func TestNew(t *testing.T) {
	ctx := newTestContext()
	gen, err := New(ctx)
	require.NoError(t, err)
	require.IsType(t, &UNet{}, gen)

	ctx.SetParam(ParamGenerator, "gan")
	_, err = New(ctx)
	require.Error(t, err)
}

func TestUNet_BuildGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	gen, err := New(ctx)
	require.NoError(t, err)

	batchSize, size := 2, 8
	images, masks, padMasks := testInputs(batchSize, size)
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, images, masks, padMasks *graph.Node) *graph.Node {
		return gen.BuildGraph(ctx, images, masks, padMasks)
	}, images, masks, padMasks)
	output.Shape().AssertDims(batchSize, size, size, 3)

	flat := tensors.CopyFlatData[float32](output)
	for pixel := range batchSize * size * size {
		isPadding := pixel%size == size-1
		for channel := range 3 {
			value := flat[pixel*3+channel]
			if isPadding {
				require.Equalf(t, float32(0), value, "padded pixel %d should be 0", pixel)
			} else {
				require.True(t, value >= 0 && value <= 1, "value %f at pixel %d out of range", value, pixel)
			}
		}
	}

	// Variables created under the generator scope.
	var numVars int
	ctx.EnumerateVariables(func(v *context.Variable) {
		require.Contains(t, v.Scope(), "/"+Scope)
		numVars++
	})
	require.Greater(t, numVars, 0)
}

func TestUNet_InvalidSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	ctx.SetParam(ParamChannels, []int{4, 8, 16})
	gen := &UNet{}
	// 6 is not divisible by 4.
	images, masks, padMasks := testInputs(1, 6)
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, images, masks, padMasks *graph.Node) *graph.Node {
			return gen.BuildGraph(ctx, images, masks, padMasks)
		}, images, masks, padMasks)
	})
}
