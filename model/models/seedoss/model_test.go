package seedoss

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/ml/backend/cpu"
	"github.com/seedml/seedml/ml/sharding"
	"github.com/seedml/seedml/model"
	"github.com/seedml/seedml/model/input"
)

func testConfig(overrides fs.KV) fs.KV {
	kv := fs.KV{
		"general.architecture":            "seedoss",
		"seedoss.block_count":             uint32(2),
		"seedoss.context_length":          uint32(32),
		"seedoss.embedding_length":        uint32(8),
		"seedoss.feed_forward_length":     uint32(16),
		"seedoss.vocab_size":              uint32(24),
		"seedoss.attention.head_count":    uint32(2),
		"seedoss.attention.head_count_kv": uint32(1),
		"seedoss.pad_token_id":            int32(0),
	}
	for k, v := range overrides {
		kv[k] = v
	}

	return kv
}

func newTestModel(t *testing.T, task model.TaskType, overrides fs.KV) model.Model {
	t.Helper()

	kv := testConfig(overrides)
	opts, err := NewOptions(kv)
	if err != nil {
		t.Fatalf("NewOptions() error: %v", err)
	}

	b := cpu.New(kv)
	rng := rand.New(rand.NewPCG(0, 0))
	for _, spec := range opts.Parameters(task) {
		b.PutNormal(rng, spec.Name, opts.initializerRange, spec.Shape...)
	}

	m, err := model.New(b, task)
	if err != nil {
		t.Fatalf("model.New() error: %v", err)
	}

	return m
}

func TestNewOptions(t *testing.T) {
	cases := []struct {
		name      string
		overrides fs.KV
		check     func(t *testing.T, opts *Options, err error)
	}{
		{
			name: "Defaults",
			check: func(t *testing.T, opts *Options, err error) {
				if err != nil {
					t.Fatal(err)
				}
				if opts.headDim != 4 {
					t.Errorf("headDim = %v, want hidden/heads = 4", opts.headDim)
				}
				if len(opts.layerTypes) != 2 || opts.layerTypes[0] != layerTypeFull {
					t.Errorf("layerTypes = %v, want full_attention x 2", opts.layerTypes)
				}
			},
		},
		{
			name:      "ExplicitHeadDimWins",
			overrides: fs.KV{"seedoss.attention.key_length": uint32(16)},
			check: func(t *testing.T, opts *Options, err error) {
				if err != nil {
					t.Fatal(err)
				}
				if opts.headDim != 16 {
					t.Errorf("headDim = %v, want explicit 16", opts.headDim)
				}
			},
		},
		{
			name:      "InexactHeadDim",
			overrides: fs.KV{"seedoss.attention.head_count": uint32(3)},
			check: func(t *testing.T, opts *Options, err error) {
				if err == nil {
					t.Error("want error for hidden size not divisible by heads")
				}
			},
		},
		{
			name:      "LayerTypesLengthMismatch",
			overrides: fs.KV{"seedoss.layer_types": []string{layerTypeFull}},
			check: func(t *testing.T, opts *Options, err error) {
				if err == nil {
					t.Error("want error for layer_types length mismatch")
				}
			},
		},
		{
			name:      "UnknownLayerType",
			overrides: fs.KV{"seedoss.layer_types": []string{layerTypeFull, "global_attention"}},
			check: func(t *testing.T, opts *Options, err error) {
				if err == nil {
					t.Error("want error for unknown layer type")
				}
			},
		},
		{
			name:      "KVHeadsDefaultToHeads",
			overrides: fs.KV{"seedoss.attention.head_count_kv": uint32(0)},
			check: func(t *testing.T, opts *Options, err error) {
				if err != nil {
					t.Fatal(err)
				}
				if opts.numKVHeads != opts.numHeads {
					t.Errorf("numKVHeads = %v, want %v", opts.numKVHeads, opts.numHeads)
				}
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := NewOptions(testConfig(tt.overrides))
			tt.check(t, opts, err)
		})
	}
}

func TestMaskDetails(t *testing.T) {
	opts, err := NewOptions(testConfig(fs.KV{
		"seedoss.layer_types":              []string{layerTypeFull, layerTypeSliding},
		"seedoss.attention.sliding_window": uint32(8),
	}))
	if err != nil {
		t.Fatal(err)
	}

	want := map[int]MaskDetail{
		0: {Type: "causal"},
		1: {Type: "sliding", WindowSize: 8},
	}
	if diff := cmp.Diff(want, opts.MaskDetails()); diff != "" {
		t.Errorf("MaskDetails() (-want +got):\n%s", diff)
	}
}

func TestParameters(t *testing.T) {
	opts, err := NewOptions(testConfig(nil))
	if err != nil {
		t.Fatal(err)
	}

	names := func(task model.TaskType) []string {
		var out []string
		for _, spec := range opts.Parameters(task) {
			out = append(out, spec.Name)
		}
		return out
	}

	base := names(model.TaskBase)
	if !slices.Contains(base, "blk.1.ffn_down.weight") {
		t.Errorf("missing ffn_down in %v", base)
	}
	if slices.Contains(base, "blk.0.attn_q.bias") {
		t.Error("bias listed without attention.bias")
	}
	if slices.Contains(base, "output.weight") {
		t.Error("base model lists an output projection")
	}

	lm := names(model.TaskCausalLM)
	if !slices.Contains(lm, "output.weight") {
		t.Error("causal lm missing output projection")
	}

	cls := names(model.TaskTextClassification)
	if !slices.Contains(cls, "score.weight") {
		t.Error("classifier missing score head")
	}
}

func TestParametersTiedEmbeddings(t *testing.T) {
	opts, err := NewOptions(testConfig(fs.KV{"seedoss.tie_word_embeddings": true}))
	if err != nil {
		t.Fatal(err)
	}

	for _, spec := range opts.Parameters(model.TaskCausalLM) {
		if spec.Name == "output.weight" {
			t.Error("tied embeddings must not list a separate output projection")
		}
	}
}

func TestPartitionRules(t *testing.T) {
	opts, err := NewOptions(testConfig(fs.KV{"seedoss.attention.bias": true}))
	if err != nil {
		t.Fatal(err)
	}

	rules := opts.PartitionRules()

	cases := map[string]sharding.Strategy{
		"token_embd.weight":        sharding.ColumnWise,
		"blk.0.attn_q.weight":      sharding.ColumnWise,
		"blk.1.attn_output.weight": sharding.RowWise,
		"blk.0.ffn_up.weight":      sharding.ColumnWise,
		"blk.1.ffn_down.weight":    sharding.RowWise,
		"blk.0.attn_q.bias":        sharding.Replicated,
		"blk.0.attn_norm.weight":   sharding.Replicated,
		"output_norm.weight":       sharding.Replicated,
		"output.weight":            sharding.ColumnWise,
		"score.weight":             sharding.RowWise,
	}
	for name, want := range cases {
		if got := sharding.Resolve(rules, name); got != want {
			t.Errorf("Resolve(%q) = %v, want %v", name, got, want)
		}
	}

	// every parameter the manifest generates must resolve through a rule
	for _, task := range []model.TaskType{model.TaskBase, model.TaskCausalLM, model.TaskTextClassification} {
		for _, spec := range opts.Parameters(task) {
			sharding.Resolve(rules, spec.Name)
		}
	}
}

func TestForwardValidation(t *testing.T) {
	m := newTestModel(t, model.TaskBase, nil)
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	_, err := m.Forward(ctx, input.Request{})
	if !errors.Is(err, model.ErrInvalidInputs) {
		t.Errorf("no inputs: err = %v, want ErrInvalidInputs", err)
	}

	embeds := ctx.FromFloats(make([]float32, 8*2), 8, 2, 1)
	_, err = m.Forward(ctx, input.Request{IDs: [][]int32{{1, 2}}, Embeds: embeds})
	if !errors.Is(err, model.ErrInvalidInputs) {
		t.Errorf("both inputs: err = %v, want ErrInvalidInputs", err)
	}

	long := make([]int32, 33)
	_, err = m.Forward(ctx, input.Request{IDs: [][]int32{long}})
	if !errors.Is(err, model.ErrSequenceTooLong) {
		t.Errorf("long sequence: err = %v, want ErrSequenceTooLong", err)
	}
}

func TestForwardShapes(t *testing.T) {
	m := newTestModel(t, model.TaskCausalLM, nil)
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	out, err := m.Forward(ctx, input.Request{
		IDs:                [][]int32{{0, 3, 4, 5}, {6, 7, 8, 9}},
		OutputHiddenStates: true,
		OutputAttentions:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(out.LastHiddenState.Shape(), []int{8, 8}) {
		t.Errorf("last hidden state shape = %v, want [8 8]", out.LastHiddenState.Shape())
	}
	if !slices.Equal(out.Logits.Shape(), []int{24, 8}) {
		t.Errorf("logits shape = %v, want [24 8]", out.Logits.Shape())
	}
	if len(out.HiddenStates) != 3 {
		t.Errorf("hidden states = %v, want embeddings + 2 layers", len(out.HiddenStates))
	}
	if len(out.Attentions) != 2 {
		t.Errorf("attentions = %v, want one per layer", len(out.Attentions))
	}

	for _, v := range out.Logits.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatal("logits contain NaN or Inf")
		}
	}
}

func TestForwardSkipOutput(t *testing.T) {
	m := newTestModel(t, model.TaskCausalLM, nil)
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	out, err := m.Forward(ctx, input.Request{IDs: [][]int32{{1, 2, 3}}, SkipOutput: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Logits != nil {
		t.Error("logits computed despite SkipOutput")
	}
	if out.LastHiddenState == nil {
		t.Error("missing last hidden state")
	}
}

func TestPositionsLeftPadding(t *testing.T) {
	m := newTestModel(t, model.TaskBase, nil).(*Model)
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	// pad token is 0: two leading pads stay clipped at position zero
	batch, _, err := m.prepare(ctx, input.Request{IDs: [][]int32{{0, 0, 5, 6}}})
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(batch.Positions, []int32{0, 0, 0, 1}) {
		t.Errorf("positions = %v, want [0 0 0 1]", batch.Positions)
	}
	if !slices.Equal(batch.Valid, []bool{false, false, true, true}) {
		t.Errorf("valid = %v", batch.Valid)
	}
}

func TestDecodeContinuation(t *testing.T) {
	m := newTestModel(t, model.TaskCausalLM, nil)
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	if _, err := m.Forward(ctx, input.Request{IDs: [][]int32{{3, 4, 5}}}); err != nil {
		t.Fatal(err)
	}

	sm := m.(*CausalLM).Model
	if got := sm.Cache.SeqLen(0); got != 3 {
		t.Fatalf("cached length = %v, want 3", got)
	}

	batch, mode, err := sm.prepare(ctx, input.Request{IDs: [][]int32{{6}}})
	if err != nil {
		t.Fatal(err)
	}

	if mode != input.ModeDecode {
		t.Errorf("mode = %v, want decode for a single token against a warm cache", mode)
	}
	if !slices.Equal(batch.Positions, []int32{3}) {
		t.Errorf("positions = %v, want [3]", batch.Positions)
	}

	out, err := m.Forward(ctx, input.Request{IDs: [][]int32{{6}}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.Logits.Shape(), []int{24, 1}) {
		t.Errorf("decode logits shape = %v, want [24 1]", out.Logits.Shape())
	}
}

func TestChunkedMLPMatchesUnchunked(t *testing.T) {
	plain := newTestModel(t, model.TaskCausalLM, nil)
	chunked := newTestModel(t, model.TaskCausalLM, fs.KV{"seedoss.mlp_chunk_size": uint32(2)})

	req := input.Request{IDs: [][]int32{{3, 4, 5, 6, 7}}}

	ctx1 := plain.Backend().NewContext()
	defer ctx1.Close()
	want, err := plain.Forward(ctx1, req)
	if err != nil {
		t.Fatal(err)
	}

	ctx2 := chunked.Backend().NewContext()
	defer ctx2.Close()
	got, err := chunked.Forward(ctx2, req)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want.Logits.Floats(), got.Logits.Floats(), cmpopts.EquateApprox(1e-6, 1e-7)); diff != "" {
		t.Errorf("chunked mlp diverged (-plain +chunked):\n%s", diff)
	}
}

func TestTiedEmbeddings(t *testing.T) {
	m := newTestModel(t, model.TaskCausalLM, fs.KV{"seedoss.tie_word_embeddings": true}).(*CausalLM)

	if m.Output.Weight != m.TokenEmbedding.Weight {
		t.Error("output projection is not the embedding table")
	}
}

func TestSlidingWindowLayers(t *testing.T) {
	m := newTestModel(t, model.TaskCausalLM, fs.KV{
		"seedoss.layer_types":              []string{layerTypeFull, layerTypeSliding},
		"seedoss.attention.sliding_window": uint32(4),
	})

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	out, err := m.Forward(ctx, input.Request{IDs: [][]int32{{3, 4, 5, 6, 7, 8}}})
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range out.Logits.Floats() {
		if math.IsNaN(float64(v)) {
			t.Fatal("sliding window forward produced NaN")
		}
	}
}

func TestAccessors(t *testing.T) {
	base := newTestModel(t, model.TaskBase, nil).(*Model)

	if _, err := base.Encoder(); !errors.Is(err, model.ErrNoEncoder) {
		t.Errorf("Encoder() err = %v, want ErrNoEncoder", err)
	}
	if d, err := base.Decoder(); err != nil || d != model.Model(base) {
		t.Errorf("Decoder() = %v, %v", d, err)
	}
	if base.Embedding() == nil {
		t.Error("Embedding() = nil")
	}
	if _, err := base.LMHead(); !errors.Is(err, model.ErrNoLMHead) {
		t.Errorf("base LMHead() err = %v, want ErrNoLMHead", err)
	}

	lm := newTestModel(t, model.TaskCausalLM, nil).(*CausalLM)
	if head, err := lm.LMHead(); err != nil || head == nil {
		t.Errorf("causal lm LMHead() = %v, %v", head, err)
	}
}
