package generator

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

const (
	// ParamChannels is the number of channels for each level of the U-Net, from the full image size
	// to the smallest. Each level halves the spatial dimensions, so the image height and width must be
	// divisible by 2^(len(channels)-1).
	ParamChannels = "unet_channels"

	// ParamResidualBlocks is the number of residual blocks per level of the U-Net.
	ParamResidualBlocks = "unet_residual_blocks"

	// ParamNormalization selects the normalization used in the residual blocks: "none" or "layer".
	ParamNormalization = "unet_normalization"
)

// DefaultChannels used by UNet.
var DefaultChannels = []int{16, 32, 64}

// UNet is a residual U-Net generator: the masked image is encoded by down blocks (residual blocks
// followed by mean pooling), and decoded back by up blocks that merge the skip connections.
//
// It is configured by the context hyperparameters ParamChannels, ParamResidualBlocks, ParamNormalization
// and activations.ParamActivation.
type UNet struct{}

var _ Generator = (*UNet)(nil)

// BuildGraph implements Generator.
func (u *UNet) BuildGraph(ctx *context.Context, images, masks, padMasks *Node) *Node {
	images.AssertRank(4)
	masks.AssertRank(4)
	padMasks.AssertRank(4)
	ctx = ctx.In(Scope)
	channelsList := context.GetParamOr(ctx, ParamChannels, DefaultChannels)
	numBlocks := context.GetParamOr(ctx, ParamResidualBlocks, 1)
	if len(channelsList) == 0 || numBlocks <= 0 {
		exceptions.Panicf("UNet: %q must have at least one value and %q must be > 0, got %v and %d",
			ParamChannels, ParamResidualBlocks, channelsList, numBlocks)
	}
	dims := images.Shape().Dimensions
	height, width, numChannels := dims[1], dims[2], dims[3]
	factor := 1 << (len(channelsList) - 1)
	if height%factor != 0 || width%factor != 0 {
		exceptions.Panicf("UNet: image size %dx%d must be divisible by %d for %q=%v",
			height, width, factor, ParamChannels, channelsList)
	}

	// Missing pixels are zeroed, and the masks are given as extra channels.
	x := Concatenate([]*Node{Mul(images, OneMinus(masks)), masks, padMasks}, -1)
	x = layers.Convolution(ctx.In("input"), x).Filters(channelsList[0]).KernelSize(3).PadSame().Done()

	var skips []*Node
	lastLevel := len(channelsList) - 1
	for level := range lastLevel {
		x, skips = downBlock(ctx.Inf("down_%d", level), x, skips, numBlocks, channelsList[level])
	}
	for ii := range numBlocks {
		x = residualBlock(ctx.Inf("bottom_%d", ii), x, channelsList[lastLevel])
	}
	for level := lastLevel - 1; level >= 0; level-- {
		x, skips = upBlock(ctx.Inf("up_%d", level), x, skips, numBlocks, channelsList[level])
	}
	if len(skips) != 0 {
		exceptions.Panicf("UNet: %d skip connections left unused", len(skips))
	}

	x = layers.Convolution(ctx.In("output"), x).Filters(numChannels).KernelSize(1).Done()
	x = Sigmoid(x)
	return Mul(x, OneMinus(padMasks))
}

// normalize according to ParamNormalization.
func normalize(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, ParamNormalization, "layer")
	switch norm {
	case "none":
	case "layer":
		// Normalize over the spatial axes.
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	default:
		exceptions.Panicf("UNet: invalid %q=%q, valid values are \"none\" or \"layer\"", ParamNormalization, norm)
	}
	return x
}

// residualBlock returns x transformed to outputChannels, with a residual connection.
func residualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	residual := x
	if x.Shape().Dimensions[3] != outputChannels {
		residual = layers.Dense(ctx.In("projection"), x, true, outputChannels)
	}
	x = normalize(ctx.In("norm"), x)
	x = layers.Convolution(ctx.In("conv_0"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_1"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// downBlock applies numBlocks residual blocks, pushing each result to skips, and then halves the
// spatial dimensions.
func downBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := range numBlocks {
		x = residualBlock(ctx.Inf("residual_%d", ii), x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

// upBlock doubles the spatial dimensions and applies numBlocks residual blocks, each merging one
// skip connection popped from skips.
func upBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = upSample(x)
	for ii := range numBlocks {
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		x = Concatenate([]*Node{x, skip}, -1)
		x = residualBlock(ctx.Inf("residual_%d", ii), x, outputChannels)
	}
	return x, skips
}

// upSample doubles height and width of x by repeating each pixel (nearest neighbor).
func upSample(x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batchSize, height, 2, width, 2, channels)
	return Reshape(x, batchSize, 2*height, 2*width, channels)
}
