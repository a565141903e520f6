package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/seedml/seedml/ml"
)

// Tensor is a dense float32 buffer with ggml dimension conventions: dim 0
// is the fastest moving. Half precision dtypes are tracked for Bytes but
// computed in float32.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

var _ ml.Tensor = (*Tensor)(nil)

const elemSize = 4

func newTensor(dtype ml.DType, shape []int, data []float32) *Tensor {
	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: data}
}

func (t *Tensor) Dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}

	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	stride := elemSize
	for i := 0; i < n && i < len(t.shape); i++ {
		stride *= t.shape[i]
	}

	return stride
}

func (t *Tensor) Shape() []int {
	return t.shape
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case ml.DTypeF16:
		out := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(t.data)
	case ml.DTypeI32:
		out := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(int32(v)))
		}
		return out
	default:
		out := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out
	}
}

// dims4 returns the shape padded to four dimensions.
func (t *Tensor) dims4() [4]int {
	dims := [4]int{1, 1, 1, 1}
	for i, d := range t.shape {
		dims[i] = d
	}
	return dims
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.data) {
		panic(fmt.Errorf("reshape: %v elements into shape %v", len(t.data), shape))
	}

	// aliases the buffer so cache updates write through
	return &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data}
}

// View slices the tensor at a byte offset. Arguments follow the ggml
// pattern of dim, stride, dim, ... and only views that address a
// contiguous run of the buffer are supported.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	offset /= elemSize

	var dims []int
	var strides []int

	switch len(shape) {
	case 1:
		dims = []int{shape[0]}
	case 3:
		dims = []int{shape[0], shape[2]}
		strides = []int{shape[1]}
	case 5:
		dims = []int{shape[0], shape[2], shape[4]}
		strides = []int{shape[1], shape[3]}
	default:
		panic("unsupported number of view dimensions")
	}

	expect := elemSize
	for i, d := range dims[:len(dims)-1] {
		expect *= d
		if strides[i] != expect {
			panic(fmt.Errorf("non-contiguous view: stride %v != %v", strides[i], expect))
		}
	}

	n := 1
	for _, d := range dims {
		n *= d
	}

	return &Tensor{dtype: t.dtype, shape: dims, data: t.data[offset : offset+n]}
}

// Permute reorders dimensions so that result dimension order[i] is source
// dimension i. Unlike strided backends the cpu tensor materializes the
// result immediately, making Contiguous a no-op.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != 4 {
		panic("permute expects 4 dimension indices")
	}

	src := t.dims4()
	var dst [4]int
	for i := range order {
		dst[order[i]] = src[i]
	}

	outShape := make([]int, len(t.shape))
	copy(outShape, dst[:len(t.shape)])
	for _, d := range dst[len(t.shape):] {
		if d != 1 {
			panic("permute moved data beyond tensor rank")
		}
	}

	out := &Tensor{dtype: t.dtype, shape: outShape, data: make([]float32, len(t.data))}

	var idx [4]int
	for i3 := 0; i3 < src[3]; i3++ {
		for i2 := 0; i2 < src[2]; i2++ {
			for i1 := 0; i1 < src[1]; i1++ {
				for i0 := 0; i0 < src[0]; i0++ {
					srcIdx := [4]int{i0, i1, i2, i3}
					for i := range order {
						idx[order[i]] = srcIdx[i]
					}

					out.data[((idx[3]*dst[2]+idx[2])*dst[1]+idx[1])*dst[0]+idx[0]] =
						t.data[((i3*src[2]+i2)*src[1]+i1)*src[0]+i0]
				}
			}
		}
	}

	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)

	a, b := t.dims4(), u.dims4()
	for i := range a {
		if i != dim && a[i] != b[i] {
			panic(fmt.Errorf("concat: shape mismatch %v vs %v on dim %v", t.shape, u.shape, i))
		}
	}

	outShape := append([]int(nil), t.shape...)
	for len(outShape) <= dim {
		outShape = append(outShape, 1)
	}
	outShape[dim] = a[dim] + b[dim]

	inner := 1
	for i := 0; i < dim; i++ {
		inner *= a[i]
	}
	outer := 1
	for i := dim + 1; i < 4; i++ {
		outer *= a[i]
	}

	out := &Tensor{dtype: t.dtype, shape: outShape, data: make([]float32, 0, len(t.data)+len(u.data))}
	for o := 0; o < outer; o++ {
		out.data = append(out.data, t.data[o*inner*a[dim]:(o+1)*inner*a[dim]]...)
		out.data = append(out.data, u.data[o*inner*b[dim]:(o+1)*inner*b[dim]]...)
	}

	return out
}

func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	idx := t2.(*Tensor)
	rowSize := t.shape[0]

	out := &Tensor{dtype: t.dtype, shape: []int{rowSize, len(idx.data)}, data: make([]float32, rowSize*len(idx.data))}
	for i, v := range idx.data {
		r := int(v)
		copy(out.data[i*rowSize:(i+1)*rowSize], t.data[r*rowSize:(r+1)*rowSize])
	}

	return out
}

func (t *Tensor) SetRows(ctx ml.Context, src, indices ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	idx := indices.(*Tensor)
	rowSize := t.shape[0]

	for i, v := range idx.data {
		r := int(v)
		copy(t.data[r*rowSize:(r+1)*rowSize], s.data[i*rowSize:(i+1)*rowSize])
	}

	return t
}

func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if len(dst.data) != len(t.data) {
		panic(fmt.Errorf("copy: size mismatch %v vs %v", len(t.data), len(dst.data)))
	}

	copy(dst.data, t.data)
	return t2
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := &Tensor{dtype: dtype, shape: append([]int(nil), t.shape...), data: make([]float32, len(t.data))}
	copy(out.data, t.data)
	return out
}
