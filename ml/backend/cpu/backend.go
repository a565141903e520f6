// Package cpu is a pure Go reference backend. It executes eagerly in
// float32 and trades speed for portability, which is enough for tests,
// tooling and small smoke runs.
package cpu

import (
	"math/rand/v2"

	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/ml"
)

type Backend struct {
	config  fs.Config
	tensors map[string]*Tensor
}

var _ ml.Backend = (*Backend)(nil)

func New(config fs.Config) *Backend {
	return &Backend{
		config:  config,
		tensors: make(map[string]*Tensor),
	}
}

func (b *Backend) Config() fs.Config {
	return b.config
}

// Put registers a parameter tensor under a dotted name.
func (b *Backend) Put(name string, data []float32, shape ...int) {
	b.tensors[name] = newTensor(ml.DTypeF32, shape, data)
}

// PutNormal registers a parameter drawn from N(0, stddev²), the usual
// random initialization for smoke tests and benchmarks.
func (b *Backend) PutNormal(rng *rand.Rand, name string, stddev float32, shape ...int) {
	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * stddev
	}

	b.Put(name, data, shape...)
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

func (b *Backend) NewContextSize(int) ml.Context {
	return &Context{}
}

// Context executes operations eagerly, so Forward and Compute have nothing
// left to do.
type Context struct{}

var _ ml.Context = (*Context)(nil)

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return newTensor(dtype, shape, make([]float32, n))
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.Empty(ml.DTypeF32, shape...).(*Tensor)
	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.Empty(ml.DTypeI32, shape...).(*Tensor)
	for i, v := range s {
		t.data[i] = float32(v)
	}
	return t
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }
func (c *Context) Compute(...ml.Tensor)            {}
func (c *Context) Input() ml.Context               { return c }
func (c *Context) Layer(int) ml.Context            { return c }
func (c *Context) Close()                          {}
