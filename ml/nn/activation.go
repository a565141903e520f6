package nn

import (
	"fmt"

	"github.com/seedml/seedml/ml"
)

// Activation is an elementwise nonlinearity selected by configuration.
type Activation func(ctx ml.Context, t ml.Tensor) ml.Tensor

var activations = map[string]Activation{
	"silu": func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.SILU(ctx) },
	"gelu": func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.GELU(ctx) },
	"relu": func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.RELU(ctx) },
}

// ActivationByName returns the activation registered under name, such as
// the "hidden_act" field of a model configuration.
func ActivationByName(name string) (Activation, error) {
	act, ok := activations[name]
	if !ok {
		return nil, fmt.Errorf("unsupported activation %q", name)
	}

	return act, nil
}
