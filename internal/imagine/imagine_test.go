package imagine

import (
	"math/rand"
	"testing"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/dist"
	"distributed-dreamer-rl/internal/rssm"
	"gonum.org/v1/gonum/mat"
)

// shiftDynamics adds the action to h and counts calls.
type shiftDynamics struct {
	calls int
}

func (d *shiftDynamics) Imagine(t *autograd.Tape, prev rssm.LatentState, action *autograd.Var, _ *rand.Rand) (rssm.LatentState, error) {
	d.calls++
	return rssm.LatentState{Deter: t.Add(prev.Deter, action), Stoch: prev.Stoch, Kind: rssm.Prior}, nil
}

// biasPolicy is a Gaussian with a learnable mean shared across rows.
type biasPolicy struct {
	mean *autograd.Var
}

func (p biasPolicy) Policy(t *autograd.Tape, s rssm.LatentState) dist.Stochastic {
	zeros := autograd.Const(mat.NewDense(s.Batch(), p.mean.Cols(), nil))
	return dist.NewNormal(t, t.AddRow(zeros, p.mean), zeros, 0.1)
}

type sumHead struct{}

func (sumHead) Predict(t *autograd.Tape, s rssm.LatentState) dist.Distribution {
	return dist.Symlog{Pred: t.Symlog(t.SumCols(s.Deter))}
}

type alwaysContinue struct{}

func (alwaysContinue) Predict(t *autograd.Tape, s rssm.LatentState) dist.Distribution {
	logits := mat.NewDense(s.Batch(), 1, nil)
	logits.Apply(func(_, _ int, _ float64) float64 { return 20 }, logits)
	return dist.Bernoulli{Logits: autograd.Const(logits)}
}

func start(batch, width int) rssm.LatentState {
	return rssm.LatentState{
		Deter: autograd.Leaf(mat.NewDense(batch, width, nil)),
		Stoch: autograd.Const(mat.NewDense(batch, 1, nil)),
	}
}

func TestRolloutProducesExactlyHorizonSteps(t *testing.T) {
	t.Parallel()

	for _, horizon := range []int{1, 5, 15} {
		dyn := &shiftDynamics{}
		r := Rollout{
			Dynamics: dyn,
			Policy:   biasPolicy{mean: autograd.Leaf(mat.NewDense(1, 2, nil))},
			Reward:   sumHead{},
			Continue: alwaysContinue{},
			Horizon:  horizon,
		}
		tr, err := r.Run(autograd.NewTape(), start(3, 2), rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if tr.Horizon() != horizon || dyn.calls != horizon {
			t.Fatalf("horizon = %d calls = %d, want %d", tr.Horizon(), dyn.calls, horizon)
		}
		if got := len(tr.States()); got != horizon+1 {
			t.Fatalf("states = %d, want %d", got, horizon+1)
		}
		for i, s := range tr.Steps {
			if s.Reward.Rows() != 3 || s.Cont.Rows() != 3 {
				t.Fatalf("step %d: reward/cont rows = %d/%d, want 3", i, s.Reward.Rows(), s.Cont.Rows())
			}
			if c := s.Cont.Value.At(0, 0); c < 0.99 {
				t.Fatalf("step %d: cont = %v, want ~1", i, c)
			}
		}
	}
}

func TestRolloutRejectsNonPositiveHorizon(t *testing.T) {
	t.Parallel()

	r := Rollout{Dynamics: &shiftDynamics{}, Horizon: 0}
	if _, err := r.Run(autograd.NewTape(), start(1, 1), rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected error for zero horizon")
	}
}

func TestRolloutGradientReachesPolicyNotStart(t *testing.T) {
	t.Parallel()

	mean := autograd.Leaf(mat.NewDense(1, 2, nil))
	r := Rollout{
		Dynamics: &shiftDynamics{},
		Policy:   biasPolicy{mean: mean},
		Reward:   sumHead{},
		Continue: alwaysContinue{},
		Horizon:  4,
	}
	s0 := start(2, 2)
	tape := autograd.NewTape()
	tr, err := r.Run(tape, s0, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	last := tr.Steps[len(tr.Steps)-1].State
	grad, err := tape.Backward(tape.Sum(last.Deter))
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	// d(sum of final h)/d(mean) = horizon × batch for each action dimension.
	meanGrad := autograd.GradOf(grad, mean)
	for j := 0; j < 2; j++ {
		if got := meanGrad.At(0, j); got != 8 {
			t.Fatalf("mean grad[%d] = %v, want 8", j, got)
		}
	}
	if g := autograd.GradOf(grad, s0.Deter); g != nil && mat.Norm(g, 1) != 0 {
		t.Fatal("start state must be detached")
	}
}

// depthValue values a state by the sum of h and counts calls.
type depthValue struct {
	calls int
}

func (v *depthValue) Value(t *autograd.Tape, s rssm.LatentState) *autograd.Var {
	v.calls++
	return t.SumCols(s.Deter)
}

func TestRolloutValuesEveryImaginedState(t *testing.T) {
	t.Parallel()

	critic := &depthValue{}
	r := Rollout{
		Dynamics: &shiftDynamics{},
		Policy:   biasPolicy{mean: autograd.Leaf(mat.NewDense(1, 2, nil))},
		Reward:   sumHead{},
		Continue: alwaysContinue{},
		Critic:   critic,
		Horizon:  3,
	}
	tr, err := r.Run(autograd.NewTape(), start(2, 2), rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	values := tr.Values()
	if len(values) != 4 || critic.calls != 4 {
		t.Fatalf("values = %d critic calls = %d, want 4 and 4", len(values), critic.calls)
	}
	for i, s := range tr.Steps {
		want := mat.NewDense(2, 1, nil)
		want.Apply(func(r, _ int, _ float64) float64 {
			return s.State.Deter.Value.At(r, 0) + s.State.Deter.Value.At(r, 1)
		}, want)
		if !mat.EqualApprox(s.Value.Value, want, 1e-12) {
			t.Fatalf("step %d value = %v, want %v", i, mat.Formatted(s.Value.Value), mat.Formatted(want))
		}
	}

	r.Critic = nil
	tr, err = r.Run(autograd.NewTape(), start(2, 2), rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.Values() != nil || tr.Steps[0].Value != nil {
		t.Fatal("a rollout without a critic should carry no values")
	}
}
