// inpaint fills the missing region of an image using a trained InpaintingModel.
//
// Example:
//
//	$ inpaint -config=experiment.yaml -image=photo.jpg -mask=mask.png -output=result.png
//
// The mask is an image of any size (it is letterboxed like the input image), white where pixels are
// missing.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/inpaintGo/internal/config"
	"github.com/janpfeifer/inpaintGo/internal/dataset"
	"github.com/janpfeifer/inpaintGo/internal/model"
	"github.com/janpfeifer/inpaintGo/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"image"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagConfig       = flag.String("config", "", "YAML configuration file used to train the model.")
	flagSet          = flag.String("set", "", "Overrides to the configuration and model hyperparameters, as \"key=value,...\".")
	flagImage        = flag.String("image", "", "Image to inpaint.")
	flagMask         = flag.String("mask", "", "Mask image: white where pixels are missing.")
	flagOutput       = flag.String("output", "inpainted.png", "Output image, the format is given by the extension.")
	flagOriginalSize = flag.Bool("original_size", false, "Resize the output back to the size of the input image. "+
		"Otherwise, it is output in the resolution of the model (training.image_size).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagImage == "" || *flagMask == "" {
		klog.Fatal("Please set -image and -mask.")
	}

	cfg := must.M1(config.LoadWithOverrides(*flagConfig, *flagSet))
	m := must.M1(model.New(backends.New(), cfg))
	must.M(m.Load())
	if m.Iteration() == 0 {
		klog.Warningf("Model %s was not trained, the output will be random", m)
	}

	size := cfg.Training.ImageSize
	ex := must.M1(dataset.LoadExample(*flagImage, size))
	mask := must.M1(dataset.LoadMask(*flagMask, size))
	batch := must.M1(dataset.NewBatch([]*dataset.Example{ex}, [][]float32{mask}))

	s := spinning.New(context.Background(), "Inpainting")
	outputs, err := m.Forward(batch)
	s.Done()
	must.M(err)

	result := must.M1(composite(ex, mask, outputs))
	if *flagOriginalSize {
		original := must.M1(imaging.Open(*flagImage)).Bounds()
		result = imaging.Resize(result, original.Dx(), original.Dy(), imaging.Lanczos)
	}
	must.M(imaging.Save(result, *flagOutput))
	fmt.Printf("Inpainted image saved to %s\n", *flagOutput)
}

// composite the first output of the batch into the example.
func composite(ex *dataset.Example, mask []float32, outputs *tensors.Tensor) (*image.NRGBA, error) {
	dims := outputs.Shape().Dimensions
	if len(dims) != 4 || dims[0] != 1 {
		return nil, errors.Errorf("expected outputs for a batch of 1 image, got %s", outputs.Shape())
	}
	output := tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](outputs), dims[1:]...)
	return dataset.Composite(ex, mask, output)
}
