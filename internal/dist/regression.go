package dist

import (
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"gonum.org/v1/gonum/mat"
)

// Bernoulli is parameterized by logits; used for the continuation head.
type Bernoulli struct {
	Logits *autograd.Var
}

// Prob is sigmoid(logits), differentiable.
func (d Bernoulli) Prob(t *autograd.Tape) *autograd.Var {
	return t.Sigmoid(d.Logits)
}

func (d Bernoulli) Mode(*autograd.Tape) *autograd.Var {
	return autograd.Const(d.threshold(func(float64) float64 { return 0.5 }))
}

func (d Bernoulli) Sample(_ *autograd.Tape, rng *rand.Rand) *autograd.Var {
	return autograd.Const(d.threshold(func(float64) float64 { return rng.Float64() }))
}

func (d Bernoulli) threshold(u func(float64) float64) *mat.Dense {
	r, c := d.Logits.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, l float64) float64 {
		if autograd.Sigmoid(l) > u(l) {
			return 1
		}
		return 0
	}, d.Logits.Value)
	return out
}

// LogProb is x·l − softplus(l), which accepts soft labels in [0, 1].
func (d Bernoulli) LogProb(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	return t.SumCols(t.Sub(t.Mul(x, d.Logits), t.Softplus(d.Logits)))
}

// Symlog regresses targets in symlog space with a unit-variance Gaussian
// (up to a constant), so rewards and observations of very different
// magnitudes train at comparable scale.
type Symlog struct {
	Pred *autograd.Var
}

// Mode maps the prediction back to target space.
func (d Symlog) Mode(t *autograd.Tape) *autograd.Var {
	return t.Symexp(d.Pred)
}

func (d Symlog) Sample(t *autograd.Tape, _ *rand.Rand) *autograd.Var {
	return d.Mode(t)
}

func (d Symlog) LogProb(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	return t.Scale(t.SumCols(t.Square(t.Sub(d.Pred, t.Symlog(x)))), -0.5)
}
