package actorcritic

import (
	"math"
	"sort"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/imagine"
	"distributed-dreamer-rl/internal/rssm"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ReturnNorm tracks an exponential moving average of the spread between two
// return percentiles. Returns are divided by max(1, spread) so large
// returns are scaled down while small ones are left alone.
type ReturnNorm struct {
	decay     float64
	low, high float64

	lo, hi float64
	seen   bool
}

func NewReturnNorm(decay, low, high float64) *ReturnNorm {
	return &ReturnNorm{decay: decay, low: low, high: high}
}

// Update folds a batch of returns into the average and returns the scale.
func (n *ReturnNorm) Update(returns []*mat.Dense) float64 {
	var xs []float64
	for _, r := range returns {
		xs = append(xs, r.RawMatrix().Data...)
	}
	if len(xs) == 0 {
		return n.Scale()
	}
	sort.Float64s(xs)
	lo := stat.Quantile(n.low, stat.Empirical, xs, nil)
	hi := stat.Quantile(n.high, stat.Empirical, xs, nil)
	if !n.seen {
		n.lo, n.hi, n.seen = lo, hi, true
	} else {
		n.lo = n.decay*n.lo + (1-n.decay)*lo
		n.hi = n.decay*n.hi + (1-n.decay)*hi
	}
	return n.Scale()
}

func (n *ReturnNorm) Scale() float64 {
	return math.Max(1, n.hi-n.lo)
}

// State exposes the running percentiles for checkpointing.
func (n *ReturnNorm) State() (lo, hi float64, seen bool) {
	return n.lo, n.hi, n.seen
}

func (n *ReturnNorm) Restore(lo, hi float64, seen bool) {
	n.lo, n.hi, n.seen = lo, hi, seen
}

// Learner computes the actor and critic objectives for one trajectory.
type Learner struct {
	cfg    Config
	Actor  *Actor
	Critic *Critic
	Norm   *ReturnNorm
}

func NewLearner(cfg Config, actor *Actor, critic *Critic) *Learner {
	return &Learner{
		cfg:    cfg,
		Actor:  actor,
		Critic: critic,
		Norm:   NewReturnNorm(cfg.ReturnDecay, cfg.ReturnLow, cfg.ReturnHigh),
	}
}

// Targets are the detached quantities the critic regresses on.
type Targets struct {
	States  []rssm.LatentState // s_0..s_{H-1}, detached
	Returns []*mat.Dense       // R_0..R_{H-1}
	Weights []*mat.Dense       // ∏_{k<t} c_k
}

type ActorReport struct {
	Loss    float64 `json:"actor_loss"`
	Return  float64 `json:"return"`
	Value   float64 `json:"value"`
	Entropy float64 `json:"entropy"`
	Scale   float64 `json:"return_scale"`
}

// ActorLoss builds -mean_t[w_t·(R_t/S + η·H[π(·|s_t)])] on the rollout
// tape, where w_t is the discounted probability of reaching s_t. Backward
// on the result also yields gradients for the critic and world-model
// parameters; the caller applies only the actor's. Value estimates carried
// by the trajectory are used as is; otherwise the critic values every state
// here and the estimates are stored back on the trajectory's steps.
func (l *Learner) ActorLoss(t *autograd.Tape, traj imagine.Trajectory) (*autograd.Var, Targets, ActorReport, error) {
	horizon := traj.Horizon()
	states := traj.States()
	values := traj.Values()
	if values == nil {
		values = make([]*autograd.Var, len(states))
		for i, s := range states {
			values[i] = l.Critic.Value(t, s)
		}
		for i := range traj.Steps {
			traj.Steps[i].Value = values[i+1]
		}
	}
	rewards := make([]*autograd.Var, horizon)
	conts := make([]*autograd.Var, horizon)
	for i, step := range traj.Steps {
		rewards[i] = step.Reward
		conts[i] = t.Scale(step.Cont, l.cfg.Discount)
	}
	returns, err := LambdaReturn(t, rewards, conts, values, l.cfg.Lambda)
	if err != nil {
		return nil, Targets{}, ActorReport{}, err
	}

	targets := Targets{
		States:  make([]rssm.LatentState, horizon),
		Returns: make([]*mat.Dense, horizon),
		Weights: make([]*mat.Dense, horizon),
	}
	batch := traj.Start.Batch()
	weight := mat.NewDense(batch, 1, nil)
	fill(weight, 1)
	for i := 0; i < horizon; i++ {
		targets.States[i] = states[i].Detach()
		targets.Returns[i] = mat.DenseCopyOf(returns[i].Value)
		targets.Weights[i] = mat.DenseCopyOf(weight)
		next := mat.NewDense(batch, 1, nil)
		next.MulElem(weight, conts[i].Value)
		weight = next
	}
	scale := l.Norm.Update(targets.Returns)

	var report ActorReport
	terms := make([]*autograd.Var, horizon)
	for i, step := range traj.Steps {
		entropy := step.Policy.Entropy(t)
		objective := t.Add(t.Scale(returns[i], 1/scale), t.Scale(entropy, l.cfg.EntropyCoef))
		terms[i] = t.Sum(t.Mul(autograd.Const(targets.Weights[i]), objective))
		report.Return += mean(returns[i].Value)
		report.Value += mean(values[i].Value)
		report.Entropy += mean(entropy.Value)
	}
	loss := t.Scale(sum(t, terms), -1/float64(horizon*batch))

	h := float64(horizon)
	report.Loss = loss.Scalar()
	report.Return /= h
	report.Value /= h
	report.Entropy /= h
	report.Scale = scale
	return loss, targets, report, nil
}

// CriticLoss is the continuation-weighted NLL of the critic against the
// detached returns, averaged over time and batch.
func (l *Learner) CriticLoss(t *autograd.Tape, targets Targets) *autograd.Var {
	terms := make([]*autograd.Var, len(targets.States))
	for i, s := range targets.States {
		lp := l.Critic.Predict(t, s).LogProb(t, autograd.Const(targets.Returns[i]))
		terms[i] = t.Sum(t.Mul(autograd.Const(targets.Weights[i]), lp))
	}
	n := len(targets.States) * targets.States[0].Batch()
	return t.Scale(sum(t, terms), -1/float64(n))
}

func sum(t *autograd.Tape, vs []*autograd.Var) *autograd.Var {
	out := vs[0]
	for _, v := range vs[1:] {
		out = t.Add(out, v)
	}
	return out
}

func mean(m *mat.Dense) float64 {
	return stat.Mean(m.RawMatrix().Data, nil)
}

func fill(m *mat.Dense, x float64) {
	m.Apply(func(_, _ int, _ float64) float64 { return x }, m)
}
