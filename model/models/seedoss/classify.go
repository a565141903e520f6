package seedoss

import (
	"fmt"

	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/nn"
	"github.com/seedml/seedml/model"
	"github.com/seedml/seedml/model/input"
)

// TextClassifier scores every position with a small linear head and pools
// one logit vector per sequence at its last non-padding position.
type TextClassifier struct {
	*Model

	Score *nn.Linear `gguf:"score"`
}

func newTextClassifier(c fs.Config) (model.Model, error) {
	m, err := newModel(c)
	if err != nil {
		return nil, err
	}

	return &TextClassifier{Model: m}, nil
}

func (m *TextClassifier) Forward(ctx ml.Context, req input.Request) (*model.Output, error) {
	out, err := m.Model.Forward(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.SkipOutput {
		return out, nil
	}

	var batchSize, seqLen int
	if req.IDs != nil {
		batchSize, seqLen = len(req.IDs), len(req.IDs[0])
	} else {
		seqLen, batchSize = req.Embeds.Dim(1), req.Embeds.Dim(2)
	}

	indices, err := m.poolingIndices(req, batchSize, seqLen)
	if err != nil {
		return nil, err
	}

	logits := m.Score.Forward(ctx, out.LastHiddenState)
	out.Logits = logits.Rows(ctx, ctx.Input().FromInts(indices, len(indices)))
	ctx.Forward(out.Logits).Compute(out.Logits)

	return out, nil
}

// poolingIndices returns the flat index of the pooled position for each
// sequence: the position before the first pad token, wrapping to the last
// position when the sequence has no padding.
func (m *TextClassifier) poolingIndices(req input.Request, batchSize, seqLen int) ([]int32, error) {
	indices := make([]int32, batchSize)

	if req.IDs == nil || m.padToken < 0 {
		if batchSize > 1 {
			return nil, fmt.Errorf("%w: cannot pool %v sequences", model.ErrMissingPadToken, batchSize)
		}

		indices[0] = int32(seqLen - 1)
		return indices, nil
	}

	for r, row := range req.IDs {
		firstPad := 0
		for s, id := range row {
			if id == m.padToken {
				firstPad = s
				break
			}
		}

		pooled := ((firstPad - 1) + seqLen) % seqLen
		indices[r] = int32(r*seqLen + pooled)
	}

	return indices, nil
}
