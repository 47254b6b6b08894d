package nn

import (
	"fmt"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"github.com/unixpickle/anynet"
)

// Linear is a fully connected layer, x·Wᵀ + b, with W stored out×in.
type Linear struct {
	FC      *anynet.FC
	W, B    *autograd.Var
	In, Out int
}

func NewLinear(ps *ParamSet, name string, in, out int, rng *rand.Rand) *Linear {
	w := ps.New(name+".w", out, in, Xavier(rng))
	b := ps.New(name+".b", 1, out, Zeros)
	return &Linear{
		FC:  &anynet.FC{InCount: in, OutCount: out, Weights: w.Param(), Biases: b.Param()},
		W:   w,
		B:   b,
		In:  in,
		Out: out,
	}
}

func (l *Linear) Forward(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	return t.Apply(l.FC, x)
}

// MLP is a stack of SiLU-activated linear layers followed by a linear
// output layer.
type MLP struct {
	Hidden []*Linear
	Output *Linear
}

// NewMLP builds layers hidden layers of width units mapping in to out.
func NewMLP(ps *ParamSet, name string, in, units, layers, out int, rng *rand.Rand) *MLP {
	m := &MLP{}
	width := in
	for i := 0; i < layers; i++ {
		m.Hidden = append(m.Hidden, NewLinear(ps, fmt.Sprintf("%s.h%d", name, i), width, units, rng))
		width = units
	}
	m.Output = NewLinear(ps, name+".out", width, out, rng)
	return m
}

// ZeroOutput zeroes the output layer so the network initially predicts the
// bias (zero).
func (m *MLP) ZeroOutput() *MLP {
	r, c := m.Output.W.Dims()
	m.Output.W.SetValue(Zeros(r, c))
	return m
}

// In is the expected input width.
func (m *MLP) In() int {
	if len(m.Hidden) > 0 {
		return m.Hidden[0].In
	}
	return m.Output.In
}

// Out is the output width.
func (m *MLP) Out() int {
	return m.Output.Out
}

func (m *MLP) Forward(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	for _, l := range m.Hidden {
		x = t.SiLU(l.Forward(t, x))
	}
	return m.Output.Forward(t, x)
}

// GRU is a gated recurrent cell computing every gate from one projection of
// the concatenated input and previous state:
//
//	reset, cand, update = split(W·[x, h] + b)
//	cand = tanh(sigmoid(reset) ∘ cand)
//	update = sigmoid(update - 1)
//	h' = update ∘ cand + (1 - update) ∘ h
type GRU struct {
	Gates  *Linear
	In     int
	Hidden int
}

func NewGRU(ps *ParamSet, name string, in, hidden int, rng *rand.Rand) *GRU {
	return &GRU{
		Gates:  NewLinear(ps, name+".gates", in+hidden, 3*hidden, rng),
		In:     in,
		Hidden: hidden,
	}
}

func (g *GRU) Forward(t *autograd.Tape, x, h *autograd.Var) *autograd.Var {
	parts := g.Gates.Forward(t, t.ConcatCols(x, h))
	n := g.Hidden
	reset := t.Sigmoid(t.SliceCols(parts, 0, n))
	cand := t.Tanh(t.Mul(reset, t.SliceCols(parts, n, 2*n)))
	update := t.Sigmoid(t.AddScalar(t.SliceCols(parts, 2*n, 3*n), -1))
	keep := t.AddScalar(t.Scale(update, -1), 1)
	return t.Add(t.Mul(update, cand), t.Mul(keep, h))
}
