// Package generator implements the networks that produce the inpainted images.
//
// A Generator only builds the computation graph: the weights live in the context.Context it is given,
// and training, saving and device placement are handled by the caller (see package model).
package generator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"
)

// Generator builds the graph of an inpainting network.
type Generator interface {
	// BuildGraph returns the reconstructed images given:
	//
	//   - images: shaped [batch, height, width, channels], with values in [0, 1]. The values of the
	//     missing pixels are ignored.
	//   - masks: shaped [batch, height, width, 1], set to 1 where pixels are missing and must be generated.
	//   - padMasks: shaped [batch, height, width, 1], set to 1 where the image was padded.
	//
	// The returned images have the same shape as the input images, with values in [0, 1] and
	// 0 on the padded area.
	BuildGraph(ctx *context.Context, images, masks, padMasks *Node) *Node
}

const (
	// ParamGenerator is the context hyperparameter that selects the generator network.
	// Currently only "unet" is supported.
	ParamGenerator = "generator"

	// Scope used by the generator variables.
	Scope = "generator"
)

// SetDefaultParams sets the hyperparameters for all generators to their default values.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamGenerator:              "unet",
		ParamChannels:               DefaultChannels,
		ParamResidualBlocks:         1,
		ParamNormalization:          "layer",
		activations.ParamActivation: "swish",
	})
}

// New returns the Generator selected by the ParamGenerator hyperparameter in ctx.
func New(ctx *context.Context) (Generator, error) {
	name := context.GetParamOr(ctx, ParamGenerator, "unet")
	switch name {
	case "unet":
		return &UNet{}, nil
	default:
		return nil, errors.Errorf("unknown generator %q set in hyperparameter %q, only \"unet\" is supported",
			name, ParamGenerator)
	}
}
