// Package rssm implements the recurrent state-space model: a GRU carries the
// deterministic state h, and a stochastic state z is drawn either from the
// prior p(z|h) or from the posterior q(z|h, embedding).
package rssm

import (
	"fmt"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/dist"
	"distributed-dreamer-rl/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Config fixes the latent dimensions and the KL balancing scheme.
// Classes > 0 selects Stoch categoricals of Classes each; Classes == 0
// selects a Stoch-dimensional diagonal Gaussian.
type Config struct {
	Deter   int `env:"DETER"`
	Stoch   int `env:"STOCH"`
	Classes int `env:"CLASSES"`
	Hidden  int `env:"HIDDEN"`

	Unimix float64 `env:"UNIMIX"`
	MinStd float64 `env:"MIN_STD"`

	FreeNats float64 `env:"FREE_NATS"`
	DynScale float64 `env:"DYN_SCALE"`
	RepScale float64 `env:"REP_SCALE"`
}

func DefaultConfig() Config {
	return Config{
		Deter:    64,
		Stoch:    8,
		Classes:  8,
		Hidden:   64,
		Unimix:   0.01,
		MinStd:   0.1,
		FreeNats: 1,
		DynScale: 0.5,
		RepScale: 0.1,
	}
}

// StochDim is the width of z.
func (c Config) StochDim() int {
	if c.Classes > 0 {
		return c.Stoch * c.Classes
	}
	return c.Stoch
}

func (c Config) statsDim() int {
	if c.Classes > 0 {
		return c.Stoch * c.Classes
	}
	return 2 * c.Stoch
}

func (c Config) validate() error {
	if c.Deter <= 0 || c.Stoch <= 0 || c.Hidden <= 0 || c.Classes < 0 {
		return fmt.Errorf("rssm: invalid sizes deter=%d stoch=%d classes=%d hidden=%d",
			c.Deter, c.Stoch, c.Classes, c.Hidden)
	}
	if c.Classes == 0 && c.MinStd <= 0 {
		return fmt.Errorf("rssm: gaussian latents need min_std > 0")
	}
	return nil
}

// Model owns the recurrence parameters.
type Model struct {
	cfg       Config
	actionDim int
	embedDim  int

	params *nn.ParamSet
	imgIn  *nn.Linear
	gru    *nn.GRU
	prior  *nn.MLP
	post   *nn.MLP
}

func New(cfg Config, actionDim, embedDim int, rng *rand.Rand) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if actionDim <= 0 || embedDim <= 0 {
		return nil, fmt.Errorf("rssm: invalid action=%d embed=%d", actionDim, embedDim)
	}
	ps := nn.NewParamSet()
	return &Model{
		cfg:       cfg,
		actionDim: actionDim,
		embedDim:  embedDim,
		params:    ps,
		imgIn:     nn.NewLinear(ps, "rssm.img_in", cfg.StochDim()+actionDim, cfg.Hidden, rng),
		gru:       nn.NewGRU(ps, "rssm.gru", cfg.Hidden, cfg.Deter, rng),
		prior:     nn.NewMLP(ps, "rssm.prior", cfg.Deter, cfg.Hidden, 1, cfg.statsDim(), rng),
		post:      nn.NewMLP(ps, "rssm.post", cfg.Deter+embedDim, cfg.Hidden, 1, cfg.statsDim(), rng),
	}, nil
}

func (m *Model) Config() Config { return m.cfg }

// Params is the recurrence parameter set (GRU, prior and posterior nets).
func (m *Model) Params() *nn.ParamSet { return m.params }

func (m *Model) ActionDim() int { return m.actionDim }

func (m *Model) EmbedDim() int { return m.embedDim }

// Initial is the zero state that episodes start from.
func (m *Model) Initial(batch int) LatentState {
	return LatentState{
		Deter: autograd.Const(mat.NewDense(batch, m.cfg.Deter, nil)),
		Stoch: autograd.Const(mat.NewDense(batch, m.cfg.StochDim(), nil)),
		Kind:  Posterior,
	}
}

// StepResult is the output of one transition. Posterior is nil for
// imagined steps.
type StepResult struct {
	State     LatentState
	Prior     dist.Stochastic
	Posterior dist.Stochastic
}

// Step is the single transition function. It advances h from the previous
// state and action, forms the prior, and when embed is non-nil also forms
// the posterior and draws z from it; otherwise z is drawn from the prior.
func (m *Model) Step(t *autograd.Tape, prev LatentState, action, embed *autograd.Var, rng *rand.Rand) (StepResult, error) {
	if err := m.check(prev, action, embed); err != nil {
		return StepResult{}, err
	}
	x := t.SiLU(m.imgIn.Forward(t, t.ConcatCols(prev.Stoch, action)))
	h := m.gru.Forward(t, x, prev.Deter)
	prior := m.distribution(t, m.prior.Forward(t, h))

	if embed == nil {
		return StepResult{
			State: LatentState{Deter: h, Stoch: prior.Sample(t, rng), Dist: prior, Kind: Prior},
			Prior: prior,
		}, nil
	}
	post := m.distribution(t, m.post.Forward(t, t.ConcatCols(h, embed)))
	return StepResult{
		State:     LatentState{Deter: h, Stoch: post.Sample(t, rng), Dist: post, Kind: Posterior},
		Prior:     prior,
		Posterior: post,
	}, nil
}

// Observe advances with an observation embedding. Rows flagged isFirst start
// from the zero state with a zero action, ignoring prev and action entirely.
// The returned prior state pairs h_t with the prior mode and carries the
// prior distribution for the KL term.
func (m *Model) Observe(t *autograd.Tape, prev LatentState, action, embed *autograd.Var, isFirst []bool, rng *rand.Rand) (LatentState, LatentState, error) {
	if embed == nil {
		return LatentState{}, LatentState{}, fmt.Errorf("rssm: observe requires an embedding")
	}
	if err := m.check(prev, action, embed); err != nil {
		return LatentState{}, LatentState{}, err
	}
	if len(isFirst) != prev.Batch() {
		return LatentState{}, LatentState{}, &nn.ShapeError{Component: "rssm", Input: "is_first", Want: prev.Batch(), Got: len(isFirst)}
	}
	keep := make([]bool, len(isFirst))
	for i, first := range isFirst {
		keep[i] = !first
	}
	prev = LatentState{
		Deter: t.MaskRows(prev.Deter, keep),
		Stoch: t.MaskRows(prev.Stoch, keep),
		Kind:  prev.Kind,
	}
	step, err := m.Step(t, prev, t.MaskRows(action, keep), embed, rng)
	if err != nil {
		return LatentState{}, LatentState{}, err
	}
	prior := LatentState{Deter: step.State.Deter, Stoch: step.Prior.Mode(t), Dist: step.Prior, Kind: Prior}
	return step.State, prior, nil
}

// Imagine advances without an observation, sampling z from the prior.
func (m *Model) Imagine(t *autograd.Tape, prev LatentState, action *autograd.Var, rng *rand.Rand) (LatentState, error) {
	step, err := m.Step(t, prev, action, nil, rng)
	if err != nil {
		return LatentState{}, err
	}
	return step.State, nil
}

func (m *Model) distribution(t *autograd.Tape, stats *autograd.Var) dist.Stochastic {
	if m.cfg.Classes > 0 {
		return dist.NewOneHot(t, stats, m.cfg.Classes, m.cfg.Unimix)
	}
	n := m.cfg.Stoch
	return dist.NewNormal(t, t.SliceCols(stats, 0, n), t.SliceCols(stats, n, 2*n), m.cfg.MinStd)
}

func (m *Model) check(prev LatentState, action, embed *autograd.Var) error {
	batch := prev.Deter.Rows()
	if err := nn.CheckCols("rssm", "deter", prev.Deter, m.cfg.Deter); err != nil {
		return err
	}
	if err := nn.CheckCols("rssm", "stoch", prev.Stoch, m.cfg.StochDim()); err != nil {
		return err
	}
	if err := nn.CheckRows("rssm", "stoch", prev.Stoch, batch); err != nil {
		return err
	}
	if err := nn.CheckCols("rssm", "action", action, m.actionDim); err != nil {
		return err
	}
	if err := nn.CheckRows("rssm", "action", action, batch); err != nil {
		return err
	}
	if embed != nil {
		if err := nn.CheckCols("rssm", "embedding", embed, m.embedDim); err != nil {
			return err
		}
		if err := nn.CheckRows("rssm", "embedding", embed, batch); err != nil {
			return err
		}
	}
	return nil
}

// KL holds the balanced KL terms per batch row.
type KL struct {
	Loss *autograd.Var // dyn_scale·max(free, dyn) + rep_scale·max(free, rep)
	Dyn  *autograd.Var // KL(sg(q) ‖ p), trains the prior
	Rep  *autograd.Var // KL(q ‖ sg(p)), regularizes the posterior
}

// KLLoss weights the two stop-gradient directions separately, each floored
// at FreeNats.
func (m *Model) KLLoss(t *autograd.Tape, post, prior dist.Stochastic) KL {
	dyn := dist.KL(t, post.Detach(), prior)
	rep := dist.KL(t, post, prior.Detach())
	loss := t.Add(
		t.Scale(t.Maximum(dyn, m.cfg.FreeNats), m.cfg.DynScale),
		t.Scale(t.Maximum(rep, m.cfg.FreeNats), m.cfg.RepScale),
	)
	return KL{Loss: loss, Dyn: dyn, Rep: rep}
}
