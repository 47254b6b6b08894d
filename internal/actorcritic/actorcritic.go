// Package actorcritic trains a policy and a value function on imagined
// trajectories using lambda-returns.
package actorcritic

import (
	"fmt"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/dist"
	"distributed-dreamer-rl/internal/nn"
	"distributed-dreamer-rl/internal/rssm"
)

type Config struct {
	Units  int     `env:"UNITS"`
	Layers int     `env:"LAYERS"`
	MinStd float64 `env:"MIN_STD"`
	Unimix float64 `env:"UNIMIX"`

	EntropyCoef float64 `env:"ENTROPY_COEF"`
	Lambda      float64 `env:"LAMBDA"`
	Discount    float64 `env:"DISCOUNT"`

	ReturnDecay float64 `env:"RETURN_DECAY"`
	ReturnLow   float64 `env:"RETURN_LOW"`
	ReturnHigh  float64 `env:"RETURN_HIGH"`
}

func DefaultConfig() Config {
	return Config{
		Units:       64,
		Layers:      2,
		MinStd:      0.1,
		Unimix:      0.01,
		EntropyCoef: 3e-4,
		Lambda:      0.95,
		Discount:    0.99,
		ReturnDecay: 0.99,
		ReturnLow:   0.05,
		ReturnHigh:  0.95,
	}
}

// ActionSpec describes the action space. Discrete actions are one-hot
// vectors of width Dim; continuous actions live in (-1, 1)^Dim.
type ActionSpec struct {
	Dim      int  `json:"dim"`
	Discrete bool `json:"discrete"`
}

// Actor maps latent features to an action distribution.
type Actor struct {
	params *nn.ParamSet
	net    *nn.MLP
	action ActionSpec
	cfg    Config
}

func NewActor(cfg Config, in int, action ActionSpec, rng *rand.Rand) *Actor {
	out := action.Dim
	if !action.Discrete {
		out = 2 * action.Dim
	}
	ps := nn.NewParamSet()
	return &Actor{
		params: ps,
		net:    nn.NewMLP(ps, "actor", in, cfg.Units, cfg.Layers, out, rng),
		action: action,
		cfg:    cfg,
	}
}

func (a *Actor) Params() *nn.ParamSet { return a.params }

func (a *Actor) Action() ActionSpec { return a.action }

// Policy returns a one-hot categorical with uniform mixing for discrete
// actions and a tanh-squashed Gaussian otherwise.
func (a *Actor) Policy(t *autograd.Tape, s rssm.LatentState) dist.Stochastic {
	out := a.net.Forward(t, s.Features(t))
	if a.action.Discrete {
		return dist.NewOneHot(t, out, a.action.Dim, a.cfg.Unimix)
	}
	n := a.action.Dim
	return dist.TanhNormal{Base: dist.NewNormal(t, t.SliceCols(out, 0, n), t.SliceCols(out, n, 2*n), a.cfg.MinStd)}
}

// Critic regresses returns in symlog space.
type Critic struct {
	params *nn.ParamSet
	net    *nn.MLP
}

func NewCritic(cfg Config, in int, rng *rand.Rand) *Critic {
	ps := nn.NewParamSet()
	return &Critic{
		params: ps,
		net:    nn.NewMLP(ps, "critic", in, cfg.Units, cfg.Layers, 1, rng).ZeroOutput(),
	}
}

func (c *Critic) Params() *nn.ParamSet { return c.params }

func (c *Critic) Predict(t *autograd.Tape, s rssm.LatentState) dist.Distribution {
	return dist.Symlog{Pred: c.net.Forward(t, s.Features(t))}
}

// Value is the critic's point estimate, B×1.
func (c *Critic) Value(t *autograd.Tape, s rssm.LatentState) *autograd.Var {
	return c.Predict(t, s).Mode(t)
}

// LambdaReturn computes R_t = r_t + c_t·((1-λ)·v_{t+1} + λ·R_{t+1}) for
// t = 0..H-1 with R_H = v_H. values holds v_0..v_H; conts already include
// any discount. The result is differentiable in all inputs.
func LambdaReturn(t *autograd.Tape, rewards, conts, values []*autograd.Var, lambda float64) ([]*autograd.Var, error) {
	h := len(rewards)
	if len(conts) != h {
		return nil, &nn.ShapeError{Component: "lambda_return", Input: "continuations", Want: h, Got: len(conts)}
	}
	if len(values) != h+1 {
		return nil, &nn.ShapeError{Component: "lambda_return", Input: "values", Want: h + 1, Got: len(values)}
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("lambda_return: lambda %v outside [0, 1]", lambda)
	}
	out := make([]*autograd.Var, h)
	next := values[h]
	for i := h - 1; i >= 0; i-- {
		blend := t.Add(t.Scale(values[i+1], 1-lambda), t.Scale(next, lambda))
		out[i] = t.Add(rewards[i], t.Mul(conts[i], blend))
		next = out[i]
	}
	return out, nil
}
