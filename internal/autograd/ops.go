package autograd

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/mat"
)

// Layer is a batched transform such as an anynet.FC.
type Layer interface {
	Apply(in anydiff.Res, batch int) anydiff.Res
}

// Apply runs layer on the rows of x. The layer's own parameters receive
// gradients alongside any leaves x depends on.
func (t *Tape) Apply(layer Layer, x *Var) *Var {
	r := x.Rows()
	out := layer.Apply(x.in(), r)
	return t.push(out, r, out.Output().Len()/r, x)
}

func matrix(v *Var) *anydiff.Matrix {
	r, c := v.Dims()
	return &anydiff.Matrix{Data: v.in(), Rows: r, Cols: c}
}

// MatMul returns a·b.
func (t *Tape) MatMul(a, b *Var) *Var {
	out := anydiff.MatMul(false, false, matrix(a), matrix(b))
	return t.push(out.Data, out.Rows, out.Cols, a, b)
}

// AddRow adds the 1×D row to every row of a.
func (t *Tape) AddRow(a, row *Var) *Var {
	r, c := a.Dims()
	if row.Rows() != 1 || row.Cols() != c {
		panic(fmt.Sprintf("autograd: AddRow %dx%d with %dx%d", r, c, row.Rows(), row.Cols()))
	}
	return t.push(anydiff.AddRepeated(a.in(), row.in()), r, c, a, row)
}

// Add returns a+b elementwise.
func (t *Tape) Add(a, b *Var) *Var {
	checkSame("Add", a, b)
	r, c := a.Dims()
	return t.push(anydiff.Add(a.in(), b.in()), r, c, a, b)
}

// Sub returns a-b elementwise.
func (t *Tape) Sub(a, b *Var) *Var {
	checkSame("Sub", a, b)
	r, c := a.Dims()
	return t.push(anydiff.Sub(a.in(), b.in()), r, c, a, b)
}

// Mul returns a∘b elementwise.
func (t *Tape) Mul(a, b *Var) *Var {
	checkSame("Mul", a, b)
	r, c := a.Dims()
	return t.push(anydiff.Mul(a.in(), b.in()), r, c, a, b)
}

// Scale returns s·a.
func (t *Tape) Scale(a *Var, s float64) *Var {
	r, c := a.Dims()
	return t.push(anydiff.Scale(a.in(), Creator.MakeNumeric(s)), r, c, a)
}

// MulCol multiplies row i of a by col[i]; col is B×1.
func (t *Tape) MulCol(a, col *Var) *Var {
	r, c := a.Dims()
	if col.Rows() != r || col.Cols() != 1 {
		panic(fmt.Sprintf("autograd: MulCol %dx%d with %dx%d", r, c, col.Rows(), col.Cols()))
	}
	out := anydiff.ScaleRows(matrix(a), col.in())
	return t.push(out.Data, r, c, a, col)
}

// MaskRows zeroes every row i with keep[i] false. Masked rows are read from
// a zero pad rather than scaled, so their outputs stay zero even when the
// input is not finite, and they carry no gradient.
func (t *Tape) MaskRows(a *Var, keep []bool) *Var {
	r, c := a.Dims()
	if len(keep) != r {
		panic(fmt.Sprintf("autograd: MaskRows %d rows with %d flags", r, len(keep)))
	}
	pad := anydiff.NewConst(Creator.MakeVector(1))
	table := make([]int, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if keep[i] {
				table = append(table, i*c+j)
			} else {
				table = append(table, r*c)
			}
		}
	}
	joined := anydiff.Concat(a.in(), pad)
	return t.push(anydiff.Map(Creator.MakeMapper(r*c+1, table), joined), r, c, a)
}

// ConcatCols joins inputs with equal row counts side by side.
func (t *Tape) ConcatCols(vs ...*Var) *Var {
	r := vs[0].Rows()
	total := 0
	ins := make([]anydiff.Res, len(vs))
	for i, x := range vs {
		if x.Rows() != r {
			panic(fmt.Sprintf("autograd: ConcatCols rows %d and %d", r, x.Rows()))
		}
		total += x.Cols()
		ins[i] = x.in()
	}
	// The concatenation is block-major; the table interleaves it back into
	// rows.
	table := make([]int, 0, r*total)
	for i := 0; i < r; i++ {
		base := 0
		for _, x := range vs {
			c := x.Cols()
			for j := 0; j < c; j++ {
				table = append(table, base+i*c+j)
			}
			base += r * c
		}
	}
	joined := anydiff.Concat(ins...)
	return t.push(anydiff.Map(Creator.MakeMapper(r*total, table), joined), r, total, vs...)
}

// ConcatRows stacks inputs with equal column counts.
func (t *Tape) ConcatRows(vs ...*Var) *Var {
	c := vs[0].Cols()
	total := 0
	ins := make([]anydiff.Res, len(vs))
	for i, x := range vs {
		if x.Cols() != c {
			panic(fmt.Sprintf("autograd: ConcatRows cols %d and %d", c, x.Cols()))
		}
		total += x.Rows()
		ins[i] = x.in()
	}
	return t.push(anydiff.Concat(ins...), total, c, vs...)
}

// SliceCols returns columns [from, to) of a.
func (t *Tape) SliceCols(a *Var, from, to int) *Var {
	r, c := a.Dims()
	if from < 0 || from > to || to > c {
		panic(fmt.Sprintf("autograd: SliceCols [%d, %d) of %d columns", from, to, c))
	}
	w := to - from
	table := make([]int, 0, r*w)
	for i := 0; i < r; i++ {
		for j := from; j < to; j++ {
			table = append(table, i*c+j)
		}
	}
	return t.push(anydiff.Map(Creator.MakeMapper(r*c, table), a.in()), r, w, a)
}

// Sum reduces a to a 1×1 total.
func (t *Tape) Sum(a *Var) *Var {
	return t.push(anydiff.Sum(a.in()), 1, 1, a)
}

// Mean reduces a to its 1×1 average.
func (t *Tape) Mean(a *Var) *Var {
	r, c := a.Dims()
	return t.Scale(t.Sum(a), 1/float64(r*c))
}

// SumCols sums each row, producing B×1.
func (t *Tape) SumCols(a *Var) *Var {
	return t.push(anydiff.SumCols(matrix(a)), a.Rows(), 1, a)
}

// GroupSoftmax applies a softmax within each consecutive group of classes
// columns.
func (t *Tape) GroupSoftmax(a *Var, classes int) *Var {
	r, c := a.Dims()
	checkGroups(c, classes)
	return t.push(anydiff.Exp(anydiff.LogSoftmax(a.in(), classes)), r, c, a)
}

// GroupLogSoftmax applies a log-softmax within each group of classes columns.
func (t *Tape) GroupLogSoftmax(a *Var, classes int) *Var {
	r, c := a.Dims()
	checkGroups(c, classes)
	return t.push(anydiff.LogSoftmax(a.in(), classes), r, c, a)
}

// StraightThrough takes the value of hard and passes gradients to probs
// unchanged.
func (t *Tape) StraightThrough(probs *Var, hard *mat.Dense) *Var {
	pr, pc := probs.Dims()
	hr, hc := hard.Dims()
	if pr != hr || pc != hc {
		panic(fmt.Sprintf("autograd: StraightThrough %dx%d with %dx%d", pr, pc, hr, hc))
	}
	return t.push(&straightThroughRes{in: probs.in(), out: vector(hard)}, pr, pc, probs)
}

type straightThroughRes struct {
	in  anydiff.Res
	out anyvec.Vector
}

func (s *straightThroughRes) Output() anyvec.Vector { return s.out }

func (s *straightThroughRes) Vars() anydiff.VarSet { return s.in.Vars() }

func (s *straightThroughRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	s.in.Propagate(u, g)
}

func checkSame(op string, a, b *Var) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("autograd: %s %dx%d with %dx%d", op, ar, ac, br, bc))
	}
}

func checkGroups(cols, classes int) {
	if classes <= 0 || cols%classes != 0 {
		panic(fmt.Sprintf("autograd: %d columns do not split into groups of %d", cols, classes))
	}
}
