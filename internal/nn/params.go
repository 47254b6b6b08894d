// Package nn provides the trainable building blocks shared by the world model
// and the actor-critic: named parameter sets, dense layers, a GRU cell and
// the Adam optimizer.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
	"gonum.org/v1/gonum/mat"
)

// ParamSet is an ordered collection of named parameters. It is the unit of
// serialization: one set marshals to one opaque blob.
type ParamSet struct {
	names []string
	vars  []*autograd.Var
}

// NewParamSet returns an empty set.
func NewParamSet() *ParamSet {
	return &ParamSet{}
}

// Join returns a set containing the parameters of every input, in order.
func Join(sets ...*ParamSet) *ParamSet {
	out := &ParamSet{}
	for _, s := range sets {
		out.names = append(out.names, s.names...)
		out.vars = append(out.vars, s.vars...)
	}
	return out
}

// Xavier returns a uniform Glorot initializer.
func Xavier(rng *rand.Rand) func(rows, cols int) *mat.Dense {
	return func(rows, cols int) *mat.Dense {
		limit := math.Sqrt(6 / float64(rows+cols))
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
		return mat.NewDense(rows, cols, data)
	}
}

// Zeros initializes to zero.
func Zeros(rows, cols int) *mat.Dense {
	return mat.NewDense(rows, cols, nil)
}

// New registers a rows×cols parameter.
func (s *ParamSet) New(name string, rows, cols int, init func(rows, cols int) *mat.Dense) *autograd.Var {
	v := autograd.Leaf(init(rows, cols))
	s.names = append(s.names, name)
	s.vars = append(s.vars, v)
	return v
}

// Vars returns the parameters in registration order.
func (s *ParamSet) Vars() []*autograd.Var {
	return s.vars
}

// Params returns the anydiff variables behind Vars, in the same order.
func (s *ParamSet) Params() []*anydiff.Var {
	out := make([]*anydiff.Var, len(s.vars))
	for i, v := range s.vars {
		out[i] = v.Param()
	}
	return out
}

// Len is the number of parameter tensors.
func (s *ParamSet) Len() int {
	return len(s.vars)
}

// Size is the number of scalar parameters.
func (s *ParamSet) Size() int {
	var n int
	for _, v := range s.vars {
		r, c := v.Dims()
		n += r * c
	}
	return n
}

// MarshalBinary encodes every parameter as (name, rows, cols, vector).
func (s *ParamSet) MarshalBinary() ([]byte, error) {
	fields := make([]interface{}, 0, 4*len(s.vars))
	for i, v := range s.vars {
		r, c := v.Dims()
		fields = append(fields, s.names[i], r, c, &anyvecsave.S{Vector: v.Param().Vector})
	}
	data, err := serializer.SerializeAny(fields...)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// UnmarshalBinary restores values written by MarshalBinary into the existing
// parameters. Names and shapes must match exactly; nothing is written unless
// every tensor matches.
func (s *ParamSet) UnmarshalBinary(data []byte) error {
	fields, err := serializer.DeserializeSlice(data)
	if err != nil {
		return fmt.Errorf("decode param blob: %w", err)
	}
	if len(fields) != 4*len(s.vars) {
		return fmt.Errorf("param blob has %d fields, want %d tensors", len(fields), len(s.vars))
	}
	decoded := make([]*mat.Dense, len(s.vars))
	for i := range s.vars {
		name, ok1 := fields[4*i].(serializer.String)
		rows, ok2 := fields[4*i+1].(serializer.Int)
		cols, ok3 := fields[4*i+2].(serializer.Int)
		vec, ok4 := fields[4*i+3].(*anyvecsave.S)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return fmt.Errorf("param blob tensor %d is malformed", i)
		}
		if string(name) != s.names[i] {
			return fmt.Errorf("param blob tensor %d is %q, want %q", i, name, s.names[i])
		}
		wr, wc := s.vars[i].Dims()
		if int(rows) != wr || int(cols) != wc {
			return &ShapeError{Component: "params", Input: string(name), Want: wr * wc, Got: int(rows) * int(cols)}
		}
		values, ok := vec.Vector.Data().([]float64)
		if !ok || len(values) != wr*wc {
			return &ShapeError{Component: "params", Input: string(name), Want: wr * wc, Got: vec.Vector.Len()}
		}
		decoded[i] = mat.NewDense(wr, wc, values)
	}
	for i, d := range decoded {
		s.vars[i].SetValue(d)
	}
	return nil
}
