package ml

import (
	"github.com/seedml/seedml/fs"
)

// Backend is the numerical engine that stores parameters and executes
// tensor operations. Implementations may run on a single device or shard
// parameters across many; this package only defines the contract.
type Backend interface {
	Config() fs.Config

	// Get returns the parameter tensor with the given dotted name, or nil
	// if the backend has no tensor by that name.
	Get(name string) Tensor

	NewContext() Context
	NewContextSize(n int) Context
}

// CacheConfig controls optimizations (mostly backend-specific) that may
// transform the layout of cached tensors to work better with specific
// kernels.
type CacheConfig struct {
	// CachePadding specifies the multiple for data allocated in the cache
	CachePadding int

	// PermutedV performs Value caching in a transposed layout
	PermutedV bool

	// MaskDType specifies the data type for generating the mask. If unset
	// it will default to DTypeF32.
	MaskDType DType
}

// BackendCacheConfig should be implemented by backends that need special
// output from the cache to meet specific requirements.
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Forward(...Tensor) Context
	Compute(...Tensor)

	// Input returns a context appropriate for creating tensors that are
	// inputs to the model (which includes things like output locations)
	Input() Context

	// Layer returns a context appropriate for creating intermediate tensors
	Layer(int) Context

	Close()
}

type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor
	MulmatFullPrec(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor

	SILU(ctx Context) Tensor
	GELU(ctx Context) Tensor
	RELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	Rows(ctx Context, t2 Tensor) Tensor
	SetRows(ctx Context, src, indices Tensor) Tensor
	Copy(ctx Context, t2 Tensor) Tensor
	Cast(ctx Context, dtype DType) Tensor
}

// ScaledDotProductAttention is implemented by tensors of backends with a
// fused attention kernel. When absent, attention falls back to composed
// tensor operations.
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(ctx Context, key, value, mask Tensor, scale float64, cacheConfigApplied bool) Tensor
}

// CheckpointTagger is implemented by contexts of training backends that
// support gradient checkpointing. Tags name intermediate tensors so the
// backend can match them against its save/recompute policy. Tagging never
// changes numerical results.
type CheckpointTagger interface {
	Checkpoint(name string, t Tensor) Tensor
}

// Checkpoint tags t as a checkpoint boundary if the context supports it
// and returns t unchanged otherwise.
func Checkpoint(ctx Context, name string, t Tensor) Tensor {
	if c, ok := ctx.(CheckpointTagger); ok {
		return c.Checkpoint(name, t)
	}

	return t
}

// Annotator is implemented by contexts of distributed backends that accept
// logical layout hints for activations. On single-device backends the hint
// is a no-op.
type Annotator interface {
	Annotate(t Tensor, axes ...string) Tensor
}

// Annotate applies a logical sharding layout hint to t if the context
// supports it and returns t unchanged otherwise.
func Annotate(ctx Context, t Tensor, axes ...string) Tensor {
	if a, ok := ctx.(Annotator); ok {
		return a.Annotate(t, axes...)
	}

	return t
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "Other"
	}
}
