package dist

import (
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// OneHot is a set of independent categoricals laid out as consecutive groups
// of Classes columns. Samples are one-hot per group with straight-through
// gradients to the probabilities.
type OneHot struct {
	Probs    *autograd.Var
	LogProbs *autograd.Var
	Classes  int
}

// NewOneHot builds the distribution from logits. With unimix > 0 the
// probabilities are mixed with a uniform distribution so no class reaches
// zero: p = (1-unimix)·softmax(logits) + unimix/Classes.
func NewOneHot(t *autograd.Tape, logits *autograd.Var, classes int, unimix float64) OneHot {
	if unimix <= 0 {
		return OneHot{
			Probs:    t.GroupSoftmax(logits, classes),
			LogProbs: t.GroupLogSoftmax(logits, classes),
			Classes:  classes,
		}
	}
	probs := t.AddScalar(t.Scale(t.GroupSoftmax(logits, classes), 1-unimix), unimix/float64(classes))
	return OneHot{Probs: probs, LogProbs: t.Log(probs), Classes: classes}
}

// Groups is the number of categoricals.
func (d OneHot) Groups() int {
	return d.Probs.Cols() / d.Classes
}

func (d OneHot) Mode(t *autograd.Tape) *autograd.Var {
	return t.StraightThrough(d.Probs, d.pick(floats.MaxIdx))
}

func (d OneHot) Sample(t *autograd.Tape, rng *rand.Rand) *autograd.Var {
	return t.StraightThrough(d.Probs, d.pick(func(p []float64) int {
		u := rng.Float64()
		var cum float64
		for k, x := range p {
			cum += x
			if u < cum {
				return k
			}
		}
		return len(p) - 1
	}))
}

func (d OneHot) pick(choose func(p []float64) int) *mat.Dense {
	r, c := d.Probs.Dims()
	hard := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		probs, row := d.Probs.Value.RawRowView(i), hard.RawRowView(i)
		for k := 0; k < c; k += d.Classes {
			row[k+choose(probs[k:k+d.Classes])] = 1
		}
	}
	return hard
}

func (d OneHot) LogProb(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	return t.SumCols(t.Mul(x, d.LogProbs))
}

func (d OneHot) Entropy(t *autograd.Tape) *autograd.Var {
	return t.Scale(t.SumCols(t.Mul(d.Probs, d.LogProbs)), -1)
}

func (d OneHot) Detach() Stochastic {
	return OneHot{
		Probs:    autograd.Detach(d.Probs),
		LogProbs: autograd.Detach(d.LogProbs),
		Classes:  d.Classes,
	}
}
