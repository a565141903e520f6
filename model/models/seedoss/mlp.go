package seedoss

import (
	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/nn"
	"github.com/seedml/seedml/ml/sharding"
)

// MLP is the gated feed-forward block: down(act(gate(x)) * up(x)).
type MLP struct {
	Gate *nn.Linear `gguf:"ffn_gate"`
	Up   *nn.Linear `gguf:"ffn_up"`
	Down *nn.Linear `gguf:"ffn_down"`

	Dropout *nn.Dropout
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor, train bool, opts *Options) ml.Tensor {
	hiddenState = sharding.Hint(ctx, hiddenState, sharding.AxisHidden, sharding.AxisSequence)

	var out ml.Tensor
	if opts.chunkSize > 0 && hiddenState.Dim(1) > opts.chunkSize {
		out = mlp.chunked(ctx, hiddenState, opts)
	} else {
		out = mlp.project(ctx, hiddenState, opts)
	}

	if mlp.Dropout != nil {
		out = mlp.Dropout.Forward(ctx, out, train)
	}

	return sharding.Hint(ctx, out, sharding.AxisHidden, sharding.AxisSequence)
}

func (mlp *MLP) project(ctx ml.Context, hiddenState ml.Tensor, opts *Options) ml.Tensor {
	gate := ml.Checkpoint(ctx, "mlp_gate", opts.act(ctx, mlp.Gate.Forward(ctx, hiddenState)))
	up := ml.Checkpoint(ctx, "mlp_up", mlp.Up.Forward(ctx, hiddenState))
	down := ml.Checkpoint(ctx, "mlp_down", mlp.Down.Forward(ctx, gate.Mul(ctx, up)))

	return ml.Checkpoint(ctx, "mlp_output", down)
}

// chunked runs project over blocks of the token axis. The result is
// identical to the unchunked path, only peak memory changes.
func (mlp *MLP) chunked(ctx ml.Context, hiddenState ml.Tensor, opts *Options) ml.Tensor {
	tokens := hiddenState.Dim(1)

	var out ml.Tensor
	for start := 0; start < tokens; start += opts.chunkSize {
		n := min(opts.chunkSize, tokens-start)
		chunk := hiddenState.View(ctx, start*hiddenState.Stride(1),
			hiddenState.Dim(0), hiddenState.Stride(1), n)

		chunk = mlp.project(ctx, chunk, opts)
		if out == nil {
			out = chunk
		} else {
			out = out.Concat(ctx, chunk, 1)
		}
	}

	return out
}
