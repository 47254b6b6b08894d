// Package dist holds the differentiable distributions produced by the model
// heads. Every distribution is batched: methods returning per-sample
// quantities return B×1 variables.
package dist

import (
	"fmt"
	"math"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
)

// Distribution is the contract every head output satisfies.
type Distribution interface {
	// Mode is the most likely value (the mean for regression heads).
	Mode(t *autograd.Tape) *autograd.Var
	// Sample draws a value; gradients reach the parameters when the
	// distribution supports reparameterization.
	Sample(t *autograd.Tape, rng *rand.Rand) *autograd.Var
	// LogProb is the log-density of x, summed over event dimensions.
	LogProb(t *autograd.Tape, x *autograd.Var) *autograd.Var
}

// Stochastic distributions additionally expose entropy and a detached copy;
// latent states and actions use them.
type Stochastic interface {
	Distribution
	Entropy(t *autograd.Tape) *autograd.Var
	Detach() Stochastic
}

// KL returns KL(p‖q) per batch row. p and q must be of the same kind and
// event size.
func KL(t *autograd.Tape, p, q Stochastic) *autograd.Var {
	switch p := p.(type) {
	case OneHot:
		other, ok := q.(OneHot)
		if !ok {
			panic(fmt.Sprintf("dist: KL between %T and %T", p, q))
		}
		return t.SumCols(t.Mul(p.Probs, t.Sub(p.LogProbs, other.LogProbs)))
	case Normal:
		other, ok := q.(Normal)
		if !ok {
			panic(fmt.Sprintf("dist: KL between %T and %T", p, q))
		}
		return normalKL(t, p, other)
	default:
		panic(fmt.Sprintf("dist: KL not defined for %T", p))
	}
}

var logSqrt2Pi = 0.5 * math.Log(2*math.Pi)
