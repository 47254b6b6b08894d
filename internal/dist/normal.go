package dist

import (
	"math"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"gonum.org/v1/gonum/mat"
)

// Normal is a diagonal Gaussian.
type Normal struct {
	Mean *autograd.Var
	Std  *autograd.Var
}

// NewNormal maps an unconstrained scale to std = softplus(raw) + minStd, so
// the variance never reaches zero.
func NewNormal(t *autograd.Tape, mean, rawStd *autograd.Var, minStd float64) Normal {
	return Normal{Mean: mean, Std: t.AddScalar(t.Softplus(rawStd), minStd)}
}

func (d Normal) Mode(*autograd.Tape) *autograd.Var {
	return d.Mean
}

// Sample is mean + std·ε with ε ~ N(0, I).
func (d Normal) Sample(t *autograd.Tape, rng *rand.Rand) *autograd.Var {
	r, c := d.Mean.Dims()
	eps := mat.NewDense(r, c, nil)
	eps.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, eps)
	return t.Add(d.Mean, t.Mul(d.Std, autograd.Const(eps)))
}

func (d Normal) LogProb(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	z := t.Mul(t.Sub(x, d.Mean), t.Recip(d.Std))
	per := t.Sub(t.Scale(t.Square(z), -0.5), t.Log(d.Std))
	return t.AddScalar(t.SumCols(per), -logSqrt2Pi*float64(per.Cols()))
}

func (d Normal) Entropy(t *autograd.Tape) *autograd.Var {
	return t.AddScalar(t.SumCols(t.Log(d.Std)), (0.5+logSqrt2Pi)*float64(d.Std.Cols()))
}

func (d Normal) Detach() Stochastic {
	return Normal{Mean: autograd.Detach(d.Mean), Std: autograd.Detach(d.Std)}
}

func normalKL(t *autograd.Tape, p, q Normal) *autograd.Var {
	logRatio := t.Sub(t.Log(q.Std), t.Log(p.Std))
	diff := t.Sub(p.Mean, q.Mean)
	num := t.Add(t.Square(p.Std), t.Square(diff))
	frac := t.Mul(num, t.Recip(t.Scale(t.Square(q.Std), 2)))
	return t.SumCols(t.AddScalar(t.Add(logRatio, frac), -0.5))
}

// TanhNormal squashes a Normal into (-1, 1). Entropy is that of the
// underlying Normal.
type TanhNormal struct {
	Base Normal
}

func (d TanhNormal) Mode(t *autograd.Tape) *autograd.Var {
	return t.Tanh(d.Base.Mean)
}

func (d TanhNormal) Sample(t *autograd.Tape, rng *rand.Rand) *autograd.Var {
	return t.Tanh(d.Base.Sample(t, rng))
}

// LogProb treats x as a constant action.
func (d TanhNormal) LogProb(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	const edge = 1 - 1e-6
	r, c := x.Dims()
	pre := mat.NewDense(r, c, nil)
	logDet := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		var sum float64
		for j := 0; j < c; j++ {
			a := math.Max(-edge, math.Min(edge, x.Value.At(i, j)))
			pre.Set(i, j, math.Atanh(a))
			sum += math.Log(1 - a*a)
		}
		logDet.Set(i, 0, sum)
	}
	return t.Sub(d.Base.LogProb(t, autograd.Const(pre)), autograd.Const(logDet))
}

func (d TanhNormal) Entropy(t *autograd.Tape) *autograd.Var {
	return d.Base.Entropy(t)
}

func (d TanhNormal) Detach() Stochastic {
	return TanhNormal{Base: d.Base.Detach().(Normal)}
}
