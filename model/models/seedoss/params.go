package seedoss

import (
	"fmt"

	"github.com/seedml/seedml/ml/sharding"
	"github.com/seedml/seedml/model"
)

// ParameterSpec names one parameter tensor and its shape, fastest
// dimension first.
type ParameterSpec struct {
	Name  string
	Shape []int
}

// Parameters lists every tensor of the architecture for the given task, in
// the dotted naming scheme that weight population resolves.
func (o *Options) Parameters(task model.TaskType) []ParameterSpec {
	specs := []ParameterSpec{
		{Name: "token_embd.weight", Shape: []int{o.hiddenSize, o.vocabSize}},
	}

	for i := 0; i < o.numLayers; i++ {
		blk := func(name string) string { return fmt.Sprintf("blk.%d.%s", i, name) }

		specs = append(specs,
			ParameterSpec{Name: blk("attn_norm.weight"), Shape: []int{o.hiddenSize}},
			ParameterSpec{Name: blk("attn_q.weight"), Shape: []int{o.hiddenSize, o.numHeads * o.headDim}},
			ParameterSpec{Name: blk("attn_k.weight"), Shape: []int{o.hiddenSize, o.numKVHeads * o.headDim}},
			ParameterSpec{Name: blk("attn_v.weight"), Shape: []int{o.hiddenSize, o.numKVHeads * o.headDim}},
			ParameterSpec{Name: blk("attn_output.weight"), Shape: []int{o.numHeads * o.headDim, o.hiddenSize}},
		)

		if o.attnBias {
			specs = append(specs,
				ParameterSpec{Name: blk("attn_q.bias"), Shape: []int{o.numHeads * o.headDim}},
				ParameterSpec{Name: blk("attn_k.bias"), Shape: []int{o.numKVHeads * o.headDim}},
				ParameterSpec{Name: blk("attn_v.bias"), Shape: []int{o.numKVHeads * o.headDim}},
			)
		}
		if o.attnOutBias {
			specs = append(specs, ParameterSpec{Name: blk("attn_output.bias"), Shape: []int{o.hiddenSize}})
		}

		specs = append(specs,
			ParameterSpec{Name: blk("ffn_norm.weight"), Shape: []int{o.hiddenSize}},
			ParameterSpec{Name: blk("ffn_gate.weight"), Shape: []int{o.hiddenSize, o.ffnSize}},
			ParameterSpec{Name: blk("ffn_up.weight"), Shape: []int{o.hiddenSize, o.ffnSize}},
			ParameterSpec{Name: blk("ffn_down.weight"), Shape: []int{o.ffnSize, o.hiddenSize}},
		)

		if o.mlpBias {
			specs = append(specs,
				ParameterSpec{Name: blk("ffn_gate.bias"), Shape: []int{o.ffnSize}},
				ParameterSpec{Name: blk("ffn_up.bias"), Shape: []int{o.ffnSize}},
				ParameterSpec{Name: blk("ffn_down.bias"), Shape: []int{o.hiddenSize}},
			)
		}
	}

	specs = append(specs, ParameterSpec{Name: "output_norm.weight", Shape: []int{o.hiddenSize}})

	switch task {
	case model.TaskCausalLM:
		if !o.tieEmbedding {
			specs = append(specs, ParameterSpec{Name: "output.weight", Shape: []int{o.hiddenSize, o.vocabSize}})
		}
	case model.TaskTextClassification:
		specs = append(specs, ParameterSpec{Name: "score.weight", Shape: []int{o.hiddenSize, o.numLabels}})
	}

	return specs
}

// PartitionRules is the ordered first-match-wins partition table for
// tensor-parallel layouts. Projections that grow the feature dimension
// split column-wise, projections that reduce it split row-wise, and norms
// and biases are replicated everywhere.
func (o *Options) PartitionRules() []sharding.Rule {
	return []sharding.Rule{
		sharding.NewRule(`token_embd\.weight`, sharding.ColumnWise),
		sharding.NewRule(`blk\.\d+\.attn_(q|k|v)\.weight`, sharding.ColumnWise),
		sharding.NewRule(`blk\.\d+\.ffn_(gate|up)\.weight`, sharding.ColumnWise),
		sharding.NewRule(`blk\.\d+\.attn_output\.weight`, sharding.RowWise),
		sharding.NewRule(`blk\.\d+\.ffn_down\.weight`, sharding.RowWise),
		sharding.NewRule(`.*norm\.weight`, sharding.Replicated),
		sharding.NewRule(`.*\.bias`, sharding.Replicated),
		sharding.NewRule(`output\.weight`, sharding.ColumnWise),
		sharding.NewRule(`score\.weight`, sharding.RowWise),
		sharding.NewRule(`.*\.weight`, sharding.Replicated),
		sharding.NewRule(`.*`, sharding.Replicated),
	}
}
