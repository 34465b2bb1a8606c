package model

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/inpaintGo/internal/generics"
	"github.com/pkg/errors"
	"slices"
)

// Batch of examples to inpaint. All tensors are float32.
type Batch struct {
	// Images shaped [batch, height, width, channels], with values in [0, 1].
	// For training these are the complete images, used as ground truth.
	Images *tensors.Tensor

	// Masks shaped [batch, height, width, 1]: 1 where pixels are missing, 0 otherwise.
	Masks *tensors.Tensor

	// PadMasks shaped [batch, height, width, 1]: 1 where the image was padded, 0 otherwise.
	PadMasks *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape().Dimensions[0]
}

// Validate checks the shapes and dtypes of the batch tensors.
func (b *Batch) Validate() error {
	if b == nil || b.Images == nil || b.Masks == nil || b.PadMasks == nil {
		return errors.New("batch must have Images, Masks and PadMasks set")
	}
	imagesShape := b.Images.Shape()
	if imagesShape.Rank() != 4 {
		return errors.Errorf("batch images must be shaped [batch, height, width, channels], got %s", imagesShape)
	}
	maskDims := slices.Clone(imagesShape.Dimensions)
	maskDims[3] = 1
	for name, t := range map[string]*tensors.Tensor{"images": b.Images, "masks": b.Masks, "pad masks": b.PadMasks} {
		if t.Shape().DType != dtypes.Float32 {
			return errors.Errorf("batch %s must be float32, got %s", name, t.Shape())
		}
		if t == b.Images {
			continue
		}
		if !slices.Equal(t.Shape().Dimensions, maskDims) {
			return errors.Errorf("batch %s must be shaped %v, got %s", name, maskDims, t.Shape())
		}
	}
	if imagesShape.Dimensions[0] == 0 {
		return errors.New("batch is empty")
	}
	return nil
}

// Split the batch into contiguous shards of the given sizes, along the batch axis.
// A single shard returns the batch itself.
func (b *Batch) Split(sizes []int) []*Batch {
	if len(sizes) == 1 {
		return []*Batch{b}
	}
	images, masks, padMasks := splitTensor(b.Images, sizes), splitTensor(b.Masks, sizes), splitTensor(b.PadMasks, sizes)
	shards := make([]*Batch, len(sizes))
	for ii := range shards {
		shards[ii] = &Batch{Images: images[ii], Masks: masks[ii], PadMasks: padMasks[ii]}
	}
	return shards
}

// splitTensor along its first axis into the given sizes.
func splitTensor(t *tensors.Tensor, sizes []int) []*tensors.Tensor {
	dims := t.Shape().Dimensions
	exampleSize := t.Shape().Size() / dims[0]
	flat := tensors.CopyFlatData[float32](t)
	parts := make([]*tensors.Tensor, 0, len(sizes))
	start := 0
	for _, size := range sizes {
		end := start + size*exampleSize
		partDims := append([]int{size}, dims[1:]...)
		parts = append(parts, tensors.FromFlatDataAndDimensions(slices.Clone(flat[start:end]), partDims...))
		start = end
	}
	return parts
}

// concatTensors along the first axis: the reverse of splitTensor.
func concatTensors(parts []*tensors.Tensor) *tensors.Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	var flat []float32
	var batchSize int
	for _, part := range parts {
		flat = append(flat, tensors.CopyFlatData[float32](part)...)
		batchSize += part.Shape().Dimensions[0]
	}
	dims := slices.Clone(parts[0].Shape().Dimensions)
	dims[0] = batchSize
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// shardFractions returns the fraction of the examples in each shard.
func shardFractions(shards []*Batch) []float32 {
	total := 0
	for _, shard := range shards {
		total += shard.Size()
	}
	return generics.SliceMap(shards, func(shard *Batch) float32 {
		return float32(shard.Size()) / float32(total)
	})
}
