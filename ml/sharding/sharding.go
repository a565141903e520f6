// Package sharding describes how model parameters and activations would be
// laid out across devices. On single-device backends the descriptions are
// inert metadata; distributed backends consume them through ml.Annotator.
package sharding

import (
	"regexp"

	"github.com/seedml/seedml/ml"
)

// Strategy is the partition applied to a parameter tensor.
type Strategy int

const (
	// Replicated keeps a full copy on every device.
	Replicated Strategy = iota

	// ColumnWise splits the output dimension of a projection.
	ColumnWise

	// RowWise splits the input dimension of a projection.
	RowWise
)

func (s Strategy) String() string {
	switch s {
	case ColumnWise:
		return "column"
	case RowWise:
		return "row"
	default:
		return "replicated"
	}
}

// Rule binds a parameter-name pattern to a strategy. Patterns are anchored
// to the whole name.
type Rule struct {
	Pattern  *regexp.Regexp
	Strategy Strategy
}

func NewRule(pattern string, strategy Strategy) Rule {
	return Rule{
		Pattern:  regexp.MustCompile("^" + pattern + "$"),
		Strategy: strategy,
	}
}

// Resolve returns the strategy of the first rule matching name. Rule order
// is significant. Names matching no rule are replicated.
func Resolve(rules []Rule, name string) Strategy {
	for _, r := range rules {
		if r.Pattern.MatchString(name) {
			return r.Strategy
		}
	}

	return Replicated
}

// Logical activation axes used in layout hints.
const (
	AxisBatch    = "batch"
	AxisSequence = "sequence"
	AxisHidden   = "hidden"
)

// Hint annotates an activation with its logical axis layout, fastest
// dimension first. Backends without layout support return t unchanged.
func Hint(ctx ml.Context, t ml.Tensor, axes ...string) ml.Tensor {
	return ml.Annotate(ctx, t, axes...)
}
