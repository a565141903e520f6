package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/kvcache"
	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/nn"
	"github.com/seedml/seedml/model/input"
)

var (
	// ErrInvalidInputs reports a request that is malformed, such as
	// supplying both token ids and embeddings or neither.
	ErrInvalidInputs = errors.New("invalid model inputs")

	// ErrSequenceTooLong reports a sequence longer than the model's
	// maximum position embeddings.
	ErrSequenceTooLong = errors.New("sequence length exceeds maximum position embeddings")

	// ErrNoEncoder reports an encoder request against a decoder-only model.
	ErrNoEncoder = errors.New("this model does not have an encoder")

	// ErrNoLMHead reports a language modeling head request against a model
	// without one.
	ErrNoLMHead = errors.New("this model does not have a language modeling head")

	// ErrMissingPadToken reports a batched classification request that
	// cannot be pooled without a configured pad token.
	ErrMissingPadToken = errors.New("batch size > 1 requires a configured pad token")
)

// TaskType selects the head wrapped around a base architecture.
type TaskType int

const (
	TaskBase TaskType = iota
	TaskCausalLM
	TaskTextClassification
)

func (t TaskType) String() string {
	switch t {
	case TaskCausalLM:
		return "causal-lm"
	case TaskTextClassification:
		return "text-classification"
	default:
		return "base"
	}
}

// Output collects the results of a forward pass. Logits is nil for base
// models and suppressed heads; the trace slices are populated only when
// requested.
type Output struct {
	LastHiddenState ml.Tensor
	Logits          ml.Tensor

	// HiddenStates is the embedding output plus the output of every layer.
	HiddenStates []ml.Tensor

	// Attentions is each layer's post-softmax attention weights.
	Attentions []ml.Tensor
}

// Model implements a specific model architecture, defining the forward pass
// and any model-specific configuration
type Model interface {
	Forward(ml.Context, input.Request) (*Output, error)

	Backend() ml.Backend
	Config() config
}

// Transformer exposes the structural pieces of an architecture. Accessors
// for pieces an architecture does not have return unsupported-operation
// errors.
type Transformer interface {
	Encoder() (Model, error)
	Decoder() (Model, error)
	Embedding() *nn.Embedding
	LMHead() (*nn.Linear, error)
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
	config
}

type config struct {
	Cache kvcache.Cache
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() config {
	return m.config
}

type registryKey struct {
	arch string
	task TaskType
}

var models = make(map[registryKey]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture and task
func Register(name string, task TaskType, f func(fs.Config) (Model, error)) {
	key := registryKey{arch: name, task: task}
	if _, ok := models[key]; ok {
		panic("model: model already registered")
	}

	models[key] = f
}

// Options control cache sizing at construction.
type Options struct {
	MaxSequences int
	MaxBatch     int
}

func WithMaxSequences(n int) func(*Options) {
	return func(opts *Options) {
		opts.MaxSequences = n
	}
}

func WithMaxBatch(n int) func(*Options) {
	return func(opts *Options) {
		opts.MaxBatch = n
	}
}

// New builds the registered model for the backend's architecture and the
// requested task, populates its parameters from the backend and initializes
// its cache.
func New(b ml.Backend, task TaskType, options ...func(*Options)) (Model, error) {
	opts := Options{
		MaxSequences: 4,
		MaxBatch:     512,
	}
	for _, option := range options {
		option(&opts)
	}

	arch := b.Config().Architecture()
	f, ok := models[registryKey{arch: arch, task: task}]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q for task %s", arch, task)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: m.Config()}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))

	if cache := m.Config().Cache; cache != nil {
		cacheDType := ml.DTypeF32
		if b.Config().Uint("bits") != 0 {
			cacheDType = ml.DTypeF16
		}

		capacity := int(b.Config().Uint("context_length", 4096))
		cache.Init(b, cacheDType, opts.MaxSequences, capacity, opts.MaxBatch)
	}

	return m, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("gguf"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "", tensor)
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}
