package cpu

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/nn/rope"
)

// binop applies f elementwise with ggml broadcast semantics: each
// dimension of t2 must be 1 or equal to the corresponding dimension of t.
func (t *Tensor) binop(t2 *Tensor, f func(a, b float32) float32) *Tensor {
	a, b := t.dims4(), t2.dims4()
	for i := range a {
		if b[i] != 1 && b[i] != a[i] {
			panic(fmt.Errorf("broadcast: shape %v does not divide %v", t2.shape, t.shape))
		}
	}

	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}

	for i3 := 0; i3 < a[3]; i3++ {
		for i2 := 0; i2 < a[2]; i2++ {
			for i1 := 0; i1 < a[1]; i1++ {
				base := ((i3*a[2]+i2)*a[1] + i1) * a[0]
				base2 := ((i3%b[3]*b[2]+i2%b[2])*b[1] + i1%b[1]) * b[0]
				for i0 := 0; i0 < a[0]; i0++ {
					out.data[base+i0] = f(t.data[base+i0], t2.data[base2+i0%b[0]])
				}
			}
		}
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binop(t2.(*Tensor), func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binop(t2.(*Tensor), func(a, b float32) float32 { return a * b })
}

// Mulmat computes t2 against the receiver with ggml conventions: with t of
// shape [k, m, ...] and t2 of shape [k, n, ...] the result is [m, n, ...].
// Trailing (batch) dimensions of the receiver must divide those of t2,
// repeating each receiver batch for a contiguous group of t2 batches.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)

	if t.Dim(0) != u.Dim(0) {
		panic(fmt.Errorf("mulmat: inner dimensions %v and %v differ", t.shape, u.shape))
	}

	k := t.Dim(0)
	m := t.Dim(1)
	n := u.Dim(1)

	tBatch := len(t.data) / (k * m)
	uBatch := len(u.data) / (k * n)
	if tBatch == 0 || uBatch%tBatch != 0 {
		panic(fmt.Errorf("mulmat: batch %v does not divide %v", tBatch, uBatch))
	}

	outShape := []int{m, n}
	outShape = append(outShape, u.shape[2:]...)

	out := &Tensor{dtype: ml.DTypeF32, shape: outShape, data: make([]float32, m*n*uBatch)}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := 0; i < uBatch; i++ {
		g.Go(func() error {
			ti := i / (uBatch / tBatch)

			a := blas32.General{Rows: n, Cols: k, Stride: k, Data: u.data[i*k*n : (i+1)*k*n]}
			b := blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data[ti*k*m : (ti+1)*k*m]}
			c := blas32.General{Rows: n, Cols: m, Stride: m, Data: out.data[i*m*n : (i+1)*m*n]}

			blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)
			return nil
		})
	}

	g.Wait()
	return out
}

func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.Mulmat(ctx, t2)
}

// Softmax normalizes along dimension 0. Fully masked rows produce zeros
// rather than NaN.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	d0 := t.Dim(0)
	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}

	for r := 0; r < len(t.data)/d0; r++ {
		row := t.data[r*d0 : (r+1)*d0]
		dst := out.data[r*d0 : (r+1)*d0]

		maxv := float32(math.Inf(-1))
		for _, v := range row {
			maxv = max(maxv, v)
		}

		if math.IsInf(float64(maxv), -1) {
			continue
		}

		var sum float32
		for i, v := range row {
			dst[i] = float32(math.Exp(float64(v - maxv)))
			sum += dst[i]
		}
		for i := range dst {
			dst[i] /= sum
		}
	}

	return out
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	w := weight.(*Tensor)
	d0 := t.Dim(0)
	if len(w.data) != d0 {
		panic(fmt.Errorf("rmsnorm: weight size %v != %v", len(w.data), d0))
	}

	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}

	for r := 0; r < len(t.data)/d0; r++ {
		row := t.data[r*d0 : (r+1)*d0]
		dst := out.data[r*d0 : (r+1)*d0]

		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}

		inv := 1 / math.Sqrt(ss/float64(d0)+float64(eps))
		for i, v := range row {
			dst[i] = float32(float64(v)*inv) * w.data[i]
		}
	}

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}
	for i, v := range t.data {
		out.data[i] = float32(float64(v) * s)
	}
	return out
}

func (t *Tensor) unary(f func(float64) float64) *Tensor {
	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}
	for i, v := range t.data {
		out.data[i] = float32(f(float64(v)))
	}
	return out
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(func(x float64) float64 { return x / (1 + math.Exp(-x)) })
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) })
}

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(x float64) float64 { return math.Max(x, 0) })
}

// RoPE rotates the first dim entries of each head. Type 0 rotates adjacent
// element pairs, NeoX (type 2) rotates split halves, which matches the
// rotate-half convention of most HF checkpoints.
func (t *Tensor) RoPE(ctx ml.Context, positions ml.Tensor, dim int, base, scale float32, options ...func(*rope.Options)) ml.Tensor {
	opts := rope.Options{}
	for _, option := range options {
		option(&opts)
	}

	pos := positions.(*Tensor)

	headDim := t.Dim(0)
	heads := t.Dim(1)
	seq := t.Dim(2)
	if seq != len(pos.data) {
		panic(fmt.Errorf("rope: %v positions for sequence length %v", len(pos.data), seq))
	}

	var factors []float32
	if opts.Factors != nil {
		factors = opts.Factors.(*Tensor).data
	}

	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}
	copy(out.data, t.data)

	for s := 0; s < seq; s++ {
		p := float64(pos.data[s]) * float64(scale)

		for h := 0; h < heads; h++ {
			head := out.data[(s*heads+h)*headDim : (s*heads+h+1)*headDim]

			for j := 0; j < dim/2; j++ {
				theta := p * math.Pow(float64(base), -2*float64(j)/float64(dim))
				if factors != nil {
					theta /= float64(factors[j])
				}

				sin, cos := math.Sincos(theta)

				var i0, i1 int
				if opts.Type == 2 {
					i0, i1 = j, j+dim/2
				} else {
					i0, i1 = 2*j, 2*j+1
				}

				x, y := float64(head[i0]), float64(head[i1])
				head[i0] = float32(x*cos - y*sin)
				head[i1] = float32(x*sin + y*cos)
			}
		}
	}

	return out
}
