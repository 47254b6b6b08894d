package dist

import (
	"math"
	"math/rand"
	"testing"

	"distributed-dreamer-rl/internal/autograd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func randVar(rng *rand.Rand, r, c int, scale float64) *autograd.Var {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return autograd.Const(mat.NewDense(r, c, data))
}

func filled(r, c int, x float64) *autograd.Var {
	m := mat.NewDense(r, c, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return x }, m)
	return autograd.Const(m)
}

func TestKLIsNonNegative(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	tape := autograd.NewTape()

	pairs := []struct {
		name string
		p, q Stochastic
	}{
		{"onehot-random",
			NewOneHot(tape, randVar(rng, 5, 12, 2), 4, 0.01),
			NewOneHot(tape, randVar(rng, 5, 12, 2), 4, 0.01)},
		{"onehot-no-unimix",
			NewOneHot(tape, randVar(rng, 5, 12, 1), 3, 0),
			NewOneHot(tape, randVar(rng, 5, 12, 1), 3, 0)},
		{"onehot-degenerate",
			NewOneHot(tape, randVar(rng, 5, 12, 1e4), 4, 0.01),
			NewOneHot(tape, randVar(rng, 5, 12, 1e4), 4, 0.01)},
		{"normal-random",
			NewNormal(tape, randVar(rng, 5, 6, 1), randVar(rng, 5, 6, 1), 0.1),
			NewNormal(tape, randVar(rng, 5, 6, 1), randVar(rng, 5, 6, 1), 0.1)},
		{"normal-degenerate",
			NewNormal(tape, randVar(rng, 5, 6, 100), filled(5, 6, -1e6), 0.1),
			NewNormal(tape, randVar(rng, 5, 6, 100), filled(5, 6, -1e6), 0.1)},
	}
	for _, pair := range pairs {
		kl := KL(tape, pair.p, pair.q)
		for i := 0; i < kl.Rows(); i++ {
			got := kl.Value.At(i, 0)
			if math.IsNaN(got) || math.IsInf(got, 0) || got < -1e-9 {
				t.Fatalf("%s: kl[%d] = %v, want finite and >= 0", pair.name, i, got)
			}
		}
		self := KL(tape, pair.p, pair.p)
		for i := 0; i < self.Rows(); i++ {
			if got := self.Value.At(i, 0); math.Abs(got) > 1e-9 {
				t.Fatalf("%s: KL(p, p)[%d] = %v, want 0", pair.name, i, got)
			}
		}
	}
}

func TestOneHotSamplesOnePerGroup(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	tape := autograd.NewTape()
	d := NewOneHot(tape, randVar(rng, 4, 15, 1), 5, 0.01)
	if d.Groups() != 3 {
		t.Fatalf("groups = %d, want 3", d.Groups())
	}
	for _, x := range []*autograd.Var{d.Sample(tape, rng), d.Mode(tape)} {
		for i := 0; i < 4; i++ {
			row := x.Value.RawRowView(i)
			for g := 0; g < 15; g += 5 {
				var sum float64
				for _, v := range row[g : g+5] {
					if v != 0 && v != 1 {
						t.Fatalf("sample element = %v, want 0 or 1", v)
					}
					sum += v
				}
				if sum != 1 {
					t.Fatalf("group sum = %v, want 1", sum)
				}
			}
		}
	}
}

func TestOneHotEntropyMatchesCategorical(t *testing.T) {
	t.Parallel()

	logits := autograd.Const(mat.NewDense(1, 4, []float64{0.3, -1.2, 2, 0}))
	tape := autograd.NewTape()
	d := NewOneHot(tape, logits, 4, 0)

	probs := make([]float64, 4)
	copy(probs, d.Probs.Value.RawRowView(0))
	want := distuv.NewCategorical(probs, nil).Entropy()
	if got := d.Entropy(tape).Scalar(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("entropy = %v, want %v", got, want)
	}
}

func TestUnimixFloorsProbabilities(t *testing.T) {
	t.Parallel()

	logits := autograd.Const(mat.NewDense(1, 4, []float64{1e6, 0, 0, 0}))
	d := NewOneHot(autograd.NewTape(), logits, 4, 0.01)
	for _, p := range d.Probs.Value.RawRowView(0) {
		if p < 0.01/4-1e-12 {
			t.Fatalf("prob = %v, want at least %v", p, 0.01/4)
		}
	}
}

func TestNormalLogProbMatchesDistuv(t *testing.T) {
	t.Parallel()

	tape := autograd.NewTape()
	mean := autograd.Const(mat.NewDense(1, 2, []float64{0.5, -1}))
	raw := autograd.Const(mat.NewDense(1, 2, []float64{0.2, -0.7}))
	d := NewNormal(tape, mean, raw, 0.1)
	x := autograd.Const(mat.NewDense(1, 2, []float64{1.1, -0.4}))

	var want float64
	for j := 0; j < 2; j++ {
		n := distuv.Normal{Mu: mean.Value.At(0, j), Sigma: d.Std.Value.At(0, j)}
		want += n.LogProb(x.Value.At(0, j))
	}
	if got := d.LogProb(tape, x).Scalar(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("log prob = %v, want %v", got, want)
	}
}

func TestNormalSampleIsReparameterized(t *testing.T) {
	t.Parallel()

	mean := autograd.Leaf(mat.NewDense(2, 3, nil))
	raw := autograd.Leaf(mat.NewDense(2, 3, nil))
	tape := autograd.NewTape()
	d := NewNormal(tape, mean, raw, 0.1)
	sample := d.Sample(tape, rand.New(rand.NewSource(1)))
	grad, err := tape.Backward(tape.Sum(sample))
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	meanGrad := autograd.GradOf(grad, mean)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if got := meanGrad.At(i, j); got != 1 {
				t.Fatalf("d sample / d mean = %v, want 1", got)
			}
		}
	}
	if g := autograd.GradOf(grad, raw); g == nil || mat.Norm(g, 2) == 0 {
		t.Fatal("expected gradient to reach the scale parameter")
	}
}

func TestTanhNormalStaysInRange(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(2))
	tape := autograd.NewTape()
	d := TanhNormal{Base: NewNormal(tape, randVar(rng, 8, 2, 5), randVar(rng, 8, 2, 1), 0.1)}
	x := d.Sample(tape, rng)
	for i := 0; i < 8; i++ {
		for _, v := range x.Value.RawRowView(i) {
			if v <= -1 || v >= 1 {
				t.Fatalf("sample = %v, want inside (-1, 1)", v)
			}
		}
	}
	lp := d.LogProb(tape, x)
	if !lp.Finite() {
		t.Fatal("expected finite log prob for sampled actions")
	}
}

func TestBernoulliLogProb(t *testing.T) {
	t.Parallel()

	tape := autograd.NewTape()
	d := Bernoulli{Logits: autograd.Const(mat.NewDense(2, 1, []float64{2, -1}))}
	x := autograd.Const(mat.NewDense(2, 1, []float64{1, 0}))
	lp := d.LogProb(tape, x)
	want0 := math.Log(autograd.Sigmoid(2))
	want1 := math.Log(1 - autograd.Sigmoid(-1))
	if math.Abs(lp.Value.At(0, 0)-want0) > 1e-12 || math.Abs(lp.Value.At(1, 0)-want1) > 1e-12 {
		t.Fatalf("log prob = %v, want [%v %v]", mat.Formatted(lp.Value), want0, want1)
	}
	if mode := d.Mode(tape).Value; mode.At(0, 0) != 1 || mode.At(1, 0) != 0 {
		t.Fatalf("mode = %v, want [1 0]", mat.Formatted(mode))
	}
}

func TestSymlogModeInvertsTransform(t *testing.T) {
	t.Parallel()

	tape := autograd.NewTape()
	target := autograd.Const(mat.NewDense(1, 3, []float64{-250, 0, 3.5}))
	d := Symlog{Pred: tape.Symlog(target)}
	if got := d.LogProb(tape, target).Scalar(); math.Abs(got) > 1e-12 {
		t.Fatalf("log prob at target = %v, want 0", got)
	}
	mode := d.Mode(tape).Value
	for j, want := range []float64{-250, 0, 3.5} {
		if math.Abs(mode.At(0, j)-want) > 1e-9 {
			t.Fatalf("mode[%d] = %v, want %v", j, mode.At(0, j), want)
		}
	}
}
