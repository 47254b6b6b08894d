package autograd

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

func (t *Tape) unary(a *Var, res anydiff.Res) *Var {
	r, c := a.Dims()
	return t.push(res, r, c, a)
}

// AddScalar returns a+s.
func (t *Tape) AddScalar(a *Var, s float64) *Var {
	return t.unary(a, anydiff.AddScalar(a.in(), Creator.MakeNumeric(s)))
}

// Maximum clamps a from below at floor; clamped elements pass no gradient.
func (t *Tape) Maximum(a *Var, floor float64) *Var {
	bound := Creator.MakeVector(a.output().Len())
	bound.AddScalar(Creator.MakeNumeric(floor))
	return t.unary(a, anydiff.ElemMax(a.in(), anydiff.NewConst(bound)))
}

func (t *Tape) Tanh(a *Var) *Var {
	return t.unary(a, anydiff.Tanh(a.in()))
}

func (t *Tape) Sigmoid(a *Var) *Var {
	return t.unary(a, anydiff.Sigmoid(a.in()))
}

// SiLU is x·sigmoid(x).
func (t *Tape) SiLU(a *Var) *Var {
	x := a.in()
	return t.unary(a, anydiff.Mul(x, anydiff.Sigmoid(x)))
}

func (t *Tape) Exp(a *Var) *Var {
	return t.unary(a, anydiff.Exp(a.in()))
}

func (t *Tape) Log(a *Var) *Var {
	return t.unary(a, elementwise(a.in(), math.Log, func(x, _ float64) float64 { return 1 / x }))
}

// Softplus is -log(sigmoid(-x)).
func (t *Tape) Softplus(a *Var) *Var {
	neg := Creator.MakeNumeric(-1)
	return t.unary(a, anydiff.Scale(anydiff.LogSigmoid(anydiff.Scale(a.in(), neg)), neg))
}

func (t *Tape) Square(a *Var) *Var {
	return t.unary(a, anydiff.Square(a.in()))
}

// Recip returns 1/a.
func (t *Tape) Recip(a *Var) *Var {
	return t.unary(a, anydiff.Pow(a.in(), Creator.MakeNumeric(-1)))
}

// Symlog is sign(x)·ln(1+|x|).
func (t *Tape) Symlog(a *Var) *Var {
	return t.unary(a, elementwise(a.in(), Symlog, func(x, _ float64) float64 { return 1 / (1 + math.Abs(x)) }))
}

// Symexp inverts Symlog.
func (t *Tape) Symexp(a *Var) *Var {
	return t.unary(a, elementwise(a.in(), Symexp, func(x, _ float64) float64 { return math.Exp(math.Abs(x)) }))
}

// elementwiseRes maps f over its input and scales upstream gradients by the
// derivative recorded during the forward pass.
type elementwiseRes struct {
	in    anydiff.Res
	out   anyvec.Vector
	deriv anyvec.Vector
}

// elementwise evaluates f and its derivative df(x, f(x)).
func elementwise(in anydiff.Res, f func(x float64) float64, df func(x, y float64) float64) anydiff.Res {
	xs := in.Output().Data().([]float64)
	ys := make([]float64, len(xs))
	ds := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = f(x)
		ds[i] = df(x, ys[i])
	}
	return &elementwiseRes{
		in:    in,
		out:   Creator.MakeVectorData(Creator.MakeNumericList(ys)),
		deriv: Creator.MakeVectorData(Creator.MakeNumericList(ds)),
	}
}

func (e *elementwiseRes) Output() anyvec.Vector { return e.out }

func (e *elementwiseRes) Vars() anydiff.VarSet { return e.in.Vars() }

func (e *elementwiseRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	u.Mul(e.deriv)
	e.in.Propagate(u, g)
}

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func Softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

func Symlog(x float64) float64 {
	if x < 0 {
		return -math.Log1p(-x)
	}
	return math.Log1p(x)
}

func Symexp(x float64) float64 {
	if x < 0 {
		return -math.Expm1(-x)
	}
	return math.Expm1(x)
}
