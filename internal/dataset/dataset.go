// Package dataset loads the training images and generates the batches used to train the InpaintingModel.
//
// Images are letterboxed to a square of the configured size (the aspect ratio is preserved, and
// the padded area is marked in the pad mask), and random rectangular holes are cut in them.
package dataset

import (
	"context"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/inpaintGo/internal/generics"
	"github.com/janpfeifer/inpaintGo/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"image"
	"io"
	"io/fs"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// Extensions of the image files loaded.
var Extensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// Config of a Dataset.
type Config struct {
	// Dir with the images, searched recursively.
	Dir string

	// ImageSize of the square images generated.
	ImageSize int

	BatchSize int

	// MaxHoles is the maximum number of rectangular holes cut in each image. At least one is always cut.
	MaxHoles int

	// MaxHoleFraction is the maximum fraction of each side of the image covered by one hole.
	MaxHoleFraction float32

	// Seed for the shuffling and the masks.
	Seed int64

	// DropIncomplete drops the last batch of an epoch if it is not complete. Normally set for training.
	DropIncomplete bool

	// Parallelism when loading the images. If 0, it uses the number of CPUs.
	Parallelism int
}

// DefaultConfig returns a Config for the images in dir.
func DefaultConfig(dir string, imageSize, batchSize int, seed int64) Config {
	return Config{
		Dir:             dir,
		ImageSize:       imageSize,
		BatchSize:       batchSize,
		MaxHoles:        3,
		MaxHoleFraction: 0.5,
		Seed:            seed,
		DropIncomplete:  true,
	}
}

// Example is one letterboxed image.
type Example struct {
	// Path the image was loaded from, if any.
	Path string

	// Image of ImageSize x ImageSize.
	Image *image.NRGBA

	// Content is the area of Image covered by the original image: everything else is padding.
	Content image.Rectangle
}

// PadMask returns the flat pad mask of the example, 1 outside the Content area.
func (ex *Example) PadMask() []float32 {
	bounds := ex.Image.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	mask := make([]float32, width*height)
	for y := range height {
		for x := range width {
			if !image.Pt(x, y).In(ex.Content) {
				mask[y*width+x] = 1
			}
		}
	}
	return mask
}

// Dataset holds all the training images in memory, and iterates over them in batches.
//
// It is not safe for concurrent use.
type Dataset struct {
	config   Config
	examples []*Example
	rng      *rand.Rand

	// order of the examples in the current epoch, and the position of the next one.
	order []int
	next  int
	epoch int
}

// New loads all the images in config.Dir. It can be interrupted by cancelling ctx.
func New(ctx context.Context, config Config) (*Dataset, error) {
	if config.ImageSize <= 0 || config.BatchSize <= 0 {
		return nil, errors.Errorf("dataset image size (%d) and batch size (%d) must be > 0",
			config.ImageSize, config.BatchSize)
	}
	if config.MaxHoles <= 0 || config.MaxHoleFraction <= 0 || config.MaxHoleFraction > 1 {
		return nil, errors.Errorf("dataset must have MaxHoles > 0 (got %d) and MaxHoleFraction in (0, 1] (got %g)",
			config.MaxHoles, config.MaxHoleFraction)
	}
	paths, err := ListImages(config.Dir)
	if err != nil {
		return nil, err
	}
	if len(paths) < config.BatchSize && config.DropIncomplete {
		return nil, errors.Errorf("dataset in %q has %d images, not enough for one batch of %d",
			config.Dir, len(paths), config.BatchSize)
	}

	examples := make([]*Example, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	parallelism := config.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	g.SetLimit(parallelism)
	for ii, path := range paths {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			ex, err := LoadExample(path, config.ImageSize)
			if err != nil {
				return err
			}
			examples[ii] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load dataset from %q", config.Dir)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "loading of dataset %q interrupted", config.Dir)
	}
	klog.V(1).Infof("Loaded %d images from %q", len(examples), config.Dir)
	return NewFromExamples(config, examples), nil
}

// NewFromExamples creates a Dataset with examples already loaded.
func NewFromExamples(config Config, examples []*Example) *Dataset {
	seed := uint64(config.Seed)
	ds := &Dataset{
		config:   config,
		examples: examples,
		rng:      rand.New(rand.NewPCG(seed, seed^0x5eed)),
	}
	ds.Reset()
	return ds
}

// Len returns the number of images in the dataset.
func (ds *Dataset) Len() int {
	return len(ds.examples)
}

// Epoch returns the number of completed epochs.
func (ds *Dataset) Epoch() int {
	return ds.epoch
}

// Reset starts a new epoch, reshuffling the examples.
func (ds *Dataset) Reset() {
	ds.order = ds.rng.Perm(len(ds.examples))
	ds.next = 0
}

// Yield returns the next batch, or io.EOF at the end of the epoch. Call Reset to start a new epoch.
func (ds *Dataset) Yield() (*model.Batch, error) {
	remaining := len(ds.order) - ds.next
	batchSize := min(ds.config.BatchSize, remaining)
	if batchSize == 0 || (ds.config.DropIncomplete && batchSize < ds.config.BatchSize) {
		ds.next = len(ds.order)
		ds.epoch++
		return nil, io.EOF
	}
	selected := generics.SliceMap(ds.order[ds.next:ds.next+batchSize], func(idx int) *Example { return ds.examples[idx] })
	ds.next += batchSize
	masks := make([][]float32, batchSize)
	for ii, ex := range selected {
		masks[ii] = RandomHoles(ds.rng, ds.config.ImageSize, ds.config.MaxHoles, ds.config.MaxHoleFraction, ex.Content)
	}
	return NewBatch(selected, masks)
}

// YieldForever returns the next batch, starting a new epoch when needed.
func (ds *Dataset) YieldForever() (*model.Batch, error) {
	batch, err := ds.Yield()
	if err == io.EOF {
		ds.Reset()
		batch, err = ds.Yield()
	}
	return batch, err
}

// ListImages returns the sorted paths of the image files under dir.
func ListImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if slices.Contains(Extensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images (%v) found in %q", Extensions, dir)
	}
	slices.Sort(paths)
	return paths, nil
}

// LoadExample loads the image in path and letterboxes it to size x size.
func LoadExample(path string, size int) (*Example, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	ex := NewExample(img, size)
	ex.Path = path
	return ex, nil
}

// NewExample letterboxes img into a size x size image: it is resized to fit preserving its aspect ratio,
// and centered.
func NewExample(img image.Image, size int) *Example {
	content := LetterboxRect(img.Bounds().Size(), size)
	resized := imaging.Resize(img, content.Dx(), content.Dy(), imaging.Lanczos)
	background := imaging.New(size, size, image.Transparent)
	return &Example{
		Image:   imaging.Paste(background, resized, content.Min),
		Content: content,
	}
}

// NewBatch converts the examples and their masks (flat, one value per pixel) to a model.Batch.
func NewBatch(examples []*Example, masks [][]float32) (*model.Batch, error) {
	if len(examples) == 0 || len(examples) != len(masks) {
		return nil, errors.Errorf("batch needs one mask per example, got %d examples and %d masks",
			len(examples), len(masks))
	}
	size := examples[0].Image.Bounds().Dx()
	imgs := make([]image.Image, len(examples))
	flatMasks := make([]float32, 0, len(examples)*size*size)
	flatPadMasks := make([]float32, 0, len(examples)*size*size)
	for ii, ex := range examples {
		bounds := ex.Image.Bounds()
		if bounds.Dx() != size || bounds.Dy() != size || len(masks[ii]) != size*size {
			return nil, errors.Errorf("example #%d (%q) is %dx%d with %d mask values, but batch is %dx%d",
				ii, ex.Path, bounds.Dx(), bounds.Dy(), len(masks[ii]), size, size)
		}
		imgs[ii] = ex.Image
		flatMasks = append(flatMasks, masks[ii]...)
		flatPadMasks = append(flatPadMasks, ex.PadMask()...)
	}
	batch := &model.Batch{
		Images:   images.ToTensor(dtypes.Float32).Batch(imgs),
		Masks:    tensors.FromFlatDataAndDimensions(flatMasks, len(examples), size, size, 1),
		PadMasks: tensors.FromFlatDataAndDimensions(flatPadMasks, len(examples), size, size, 1),
	}
	return batch, batch.Validate()
}
