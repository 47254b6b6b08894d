// Package autograd records batched computations on anydiff results so they
// can be differentiated. Every value is a B×D *mat.Dense whose rows are
// independent batch entries; the anydiff vectors underneath are row-major.
package autograd

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"gonum.org/v1/gonum/mat"
)

// Creator backs every vector the package allocates.
var Creator anyvec.Creator = anyvec64.DefaultCreator{}

// Var is a value recorded on a Tape, a leaf (trainable parameter) or a
// constant. Recorded values are never mutated; leaves change only through
// SetValue or an optimizer writing to Param().
type Var struct {
	Value *mat.Dense

	vec    anyvec.Vector
	handle *anydiff.Var

	// Set only for recorded nodes.
	tape   *Tape
	res    anydiff.Res
	inputs []*Var
	index  int
}

// Leaf returns a trainable variable holding a copy of value.
func Leaf(value *mat.Dense) *Var {
	return &Var{Value: value, handle: anydiff.NewVar(vector(value))}
}

// Const wraps a value that never receives gradients.
func Const(value *mat.Dense) *Var {
	return &Var{Value: value}
}

// Detach returns a constant holding v's current value.
func Detach(v *Var) *Var {
	out := &Var{Value: v.Value}
	if v.res != nil {
		out.vec = v.res.Output()
	}
	return out
}

// Dims returns the rows and columns of the value.
func (v *Var) Dims() (int, int) {
	return v.Value.Dims()
}

// Rows is the batch size.
func (v *Var) Rows() int {
	r, _ := v.Value.Dims()
	return r
}

// Cols is the feature size.
func (v *Var) Cols() int {
	_, c := v.Value.Dims()
	return c
}

// Scalar returns the single element of a 1×1 value.
func (v *Var) Scalar() float64 {
	return v.Value.At(0, 0)
}

// NeedsGrad reports whether gradients flow into v.
func (v *Var) NeedsGrad() bool {
	return v.handle != nil
}

// Param is the anydiff variable behind a leaf, nil otherwise.
func (v *Var) Param() *anydiff.Var {
	if v.res != nil {
		return nil
	}
	return v.handle
}

// SetValue overwrites a leaf's value.
func (v *Var) SetValue(m mat.Matrix) {
	v.Value.Copy(m)
	if p := v.Param(); p != nil {
		p.Vector.SetData(Creator.MakeNumericList(flatten(v.Value)))
	}
}

// Sync refreshes Value after the parameter vector was updated in place.
func (v *Var) Sync() {
	if p := v.Param(); p != nil {
		r, c := v.Value.Dims()
		v.Value = mat.NewDense(r, c, p.Vector.Data().([]float64))
	}
}

// Finite reports whether every element of the value is finite.
func (v *Var) Finite() bool {
	r, c := v.Value.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := v.Value.At(i, j)
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// in is the anydiff operand standing for v inside a new op.
func (v *Var) in() anydiff.Res {
	if v.handle != nil {
		return v.handle
	}
	if v.vec == nil {
		v.vec = vector(v.Value)
	}
	return anydiff.NewConst(v.vec)
}

func (v *Var) output() anyvec.Vector {
	switch {
	case v.res != nil:
		return v.res.Output()
	case v.handle != nil:
		return v.handle.Vector
	default:
		return v.in().Output()
	}
}

// GradOf returns v's gradient in g shaped like v, or nil when g holds none.
func GradOf(g anydiff.Grad, v *Var) *mat.Dense {
	p := v.Param()
	if p == nil {
		return nil
	}
	vec, ok := g[p]
	if !ok {
		return nil
	}
	r, c := v.Dims()
	return mat.NewDense(r, c, vec.Data().([]float64))
}

// Tape records operations in evaluation order so Backward can replay them in
// reverse. Each recorded op reads its inputs through placeholder variables,
// so a value shared by many consumers is propagated exactly once. A Tape is
// not safe for concurrent use.
type Tape struct {
	nodes []*Var
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Len is the number of recorded differentiable operations.
func (t *Tape) Len() int {
	return len(t.nodes)
}

func (t *Tape) push(res anydiff.Res, rows, cols int, inputs ...*Var) *Var {
	if n := res.Output().Len(); n != rows*cols {
		panic(fmt.Sprintf("autograd: op produced %d values, want %dx%d", n, rows, cols))
	}
	out := &Var{Value: mat.NewDense(rows, cols, res.Output().Data().([]float64))}
	if len(res.Vars()) == 0 {
		out.vec = res.Output()
		return out
	}
	out.handle = anydiff.NewVar(res.Output())
	out.tape = t
	out.res = res
	out.inputs = inputs
	out.index = len(t.nodes)
	t.nodes = append(t.nodes, out)
	return out
}

// Backward returns d(loss)/d(p) for every parameter p that loss depends on.
// The tape keeps no gradient state, so it can be differentiated again for
// another loss.
func (t *Tape) Backward(loss *Var) (anydiff.Grad, error) {
	r, c := loss.Dims()
	if r != 1 || c != 1 {
		return nil, fmt.Errorf("backward: loss must be 1x1, got %dx%d", r, c)
	}
	grad := anydiff.Grad{}
	switch {
	case loss.handle == nil:
		return grad, nil
	case loss.res == nil:
		grad[loss.handle] = Creator.MakeVectorData(Creator.MakeNumericList([]float64{1}))
		return grad, nil
	case loss.tape != t:
		return nil, fmt.Errorf("backward: loss was recorded on another tape")
	}

	last := loss.index
	for _, n := range t.nodes[:last+1] {
		grad[n.handle] = Creator.MakeVector(n.res.Output().Len())
	}
	for _, n := range t.nodes[:last+1] {
		for p := range n.res.Vars() {
			if _, ok := grad[p]; !ok {
				grad[p] = Creator.MakeVector(p.Vector.Len())
			}
		}
	}
	grad[loss.handle].SetData(Creator.MakeNumericList([]float64{1}))

	reached := make([]bool, last+1)
	reached[last] = true
	for i := last; i >= 0; i-- {
		n := t.nodes[i]
		upstream := grad[n.handle]
		delete(grad, n.handle)
		if !reached[i] {
			continue
		}
		n.res.Propagate(upstream, grad)
		for _, in := range n.inputs {
			if in.tape == t {
				reached[in.index] = true
			}
		}
	}
	return grad, nil
}

// vector copies m into a new row-major vector.
func vector(m *mat.Dense) anyvec.Vector {
	return Creator.MakeVectorData(Creator.MakeNumericList(flatten(m)))
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	raw := m.RawMatrix()
	if raw.Stride == c {
		return append([]float64(nil), raw.Data[:r*c]...)
	}
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
