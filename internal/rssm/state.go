package rssm

import (
	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/dist"
	"gonum.org/v1/gonum/mat"
)

// Provenance tags whether a state was conditioned on an observation.
type Provenance int

const (
	Posterior Provenance = iota
	Prior
)

func (p Provenance) String() string {
	if p == Prior {
		return "prior"
	}
	return "posterior"
}

// LatentState is a batch of (h, z) pairs. Posterior and prior states share
// the same shape so every head accepts either.
type LatentState struct {
	Deter *autograd.Var // B×Deter
	Stoch *autograd.Var // B×StochDim
	// Dist is the distribution Stoch was drawn from; nil for the initial
	// state and for stacked snapshots.
	Dist dist.Stochastic
	Kind Provenance
}

// Batch is the number of rows.
func (s LatentState) Batch() int {
	return s.Deter.Rows()
}

// Features concatenates h and z, the input of every head.
func (s LatentState) Features(t *autograd.Tape) *autograd.Var {
	return t.ConcatCols(s.Deter, s.Stoch)
}

// Detach cuts the state out of any gradient graph.
func (s LatentState) Detach() LatentState {
	out := LatentState{
		Deter: autograd.Detach(s.Deter),
		Stoch: autograd.Detach(s.Stoch),
		Kind:  s.Kind,
	}
	if s.Dist != nil {
		out.Dist = s.Dist.Detach()
	}
	return out
}

// Stack concatenates detached copies of states along the batch dimension.
// Used to seed imagination from every posterior of a sequence batch.
func Stack(states []LatentState) LatentState {
	deter := make([]mat.Matrix, len(states))
	stoch := make([]mat.Matrix, len(states))
	for i, s := range states {
		deter[i] = s.Deter.Value
		stoch[i] = s.Stoch.Value
	}
	return LatentState{
		Deter: autograd.Const(stackRows(deter)),
		Stoch: autograd.Const(stackRows(stoch)),
		Kind:  states[0].Kind,
	}
}

func stackRows(ms []mat.Matrix) *mat.Dense {
	var rows int
	_, cols := ms[0].Dims()
	for _, m := range ms {
		r, _ := m.Dims()
		rows += r
	}
	out := mat.NewDense(rows, cols, nil)
	off := 0
	for _, m := range ms {
		r, _ := m.Dims()
		out.Slice(off, off+r, 0, cols).(*mat.Dense).Copy(m)
		off += r
	}
	return out
}
