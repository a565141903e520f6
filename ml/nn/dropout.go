package nn

import (
	"math/rand/v2"

	"github.com/seedml/seedml/ml"
)

// Dropout zeroes elements with probability Rate and rescales the rest by
// 1/(1-Rate). It is active only when train is true; inference passes
// through unchanged.
type Dropout struct {
	Rate float32
}

func (m *Dropout) Forward(ctx ml.Context, t ml.Tensor, train bool) ml.Tensor {
	if !train || m.Rate <= 0 {
		return t
	}

	n := 1
	for _, d := range t.Shape() {
		n *= d
	}

	scale := 1 / (1 - m.Rate)
	mask := make([]float32, n)
	for i := range mask {
		if rand.Float32() >= m.Rate {
			mask[i] = scale
		}
	}

	return t.Mul(ctx, ctx.FromFloats(mask, t.Shape()...))
}
