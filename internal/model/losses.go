package model

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// Names of the losses returned by InpaintingModel.Process.
const (
	L1LossName  = "l1"
	MSELossName = "mse"
)

// Loss is a named loss scalar, as returned by InpaintingModel.Process.
//
// It also keeps the batch it was computed on, so InpaintingModel.Backward can calculate its gradients.
type Loss struct {
	Name  string
	Value float32

	model  *InpaintingModel
	shards []*Batch
}

// String implements fmt.Stringer.
func (l *Loss) String() string {
	if l == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s=%.4g", l.Name, l.Value)
}

// Losses maps loss names to their values.
type Losses map[string]*Loss

// L1 returns the "l1" loss.
func (ls Losses) L1() *Loss { return ls[L1LossName] }

// MSE returns the "mse" loss.
func (ls Losses) MSE() *Loss { return ls[MSELossName] }

// lossesGraph returns the L1 (mean absolute error) and the MSE (mean squared error) between outputs and
// the ground truth images.
func lossesGraph(groundTruth, outputs *Node) (l1, mse *Node) {
	labels, predictions := []*Node{groundTruth}, []*Node{outputs}
	l1 = losses.MeanAbsoluteError(labels, predictions)
	mse = losses.MeanSquaredError(labels, predictions)
	// Some losses may return one value per example of the batch.
	if !l1.IsScalar() {
		l1 = ReduceAllMean(l1)
	}
	if !mse.IsScalar() {
		mse = ReduceAllMean(mse)
	}
	return
}
