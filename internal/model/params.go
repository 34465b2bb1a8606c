package model

import (
	"bytes"
	"fmt"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/inpaintGo/internal/parameters"
	"github.com/pkg/errors"
)

// extractParams pops from params the values of the hyperparameters defined in the root scope of ctx,
// and writes them in ctx. Parameters not defined in ctx are left in params.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		var newErr error
		switch defaultValue := valueAny.(type) {
		case string:
			var value string
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			var value int
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float64:
			var value float64
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float32:
			var value float32
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case bool:
			var value bool
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case []int:
			var value []int
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
			return
		}
		if newErr != nil {
			err = errors.WithMessagef(newErr, "parsing %q (%T) for model %s", key, valueAny, modelName)
		}
	})
	return err
}

// HyperparametersHelp lists the hyperparameters of the model, and their current values.
func (m *InpaintingModel) HyperparametersHelp() string {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s hyperparameters (set with -set key=value,...):\n", m.name)
	m.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: %v\n", key, value)
	})
	return buf.String()
}
