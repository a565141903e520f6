package seedoss

import (
	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/nn"
	"github.com/seedml/seedml/model"
	"github.com/seedml/seedml/model/input"
)

// CausalLM projects the final hidden states onto the vocabulary. With tied
// word embeddings the projection reuses the embedding table.
type CausalLM struct {
	*Model

	Output *nn.Linear `gguf:"output,alt:token_embd"`
}

func newCausalLM(c fs.Config) (model.Model, error) {
	m, err := newModel(c)
	if err != nil {
		return nil, err
	}

	return &CausalLM{Model: m}, nil
}

func (m *CausalLM) Forward(ctx ml.Context, req input.Request) (*model.Output, error) {
	out, err := m.Model.Forward(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.SkipOutput {
		return out, nil
	}

	out.Logits = m.Output.Forward(ctx, out.LastHiddenState)
	ctx.Forward(out.Logits).Compute(out.Logits)

	return out, nil
}

func (m *CausalLM) LMHead() (*nn.Linear, error) {
	return m.Output, nil
}
