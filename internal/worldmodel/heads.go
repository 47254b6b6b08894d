package worldmodel

import (
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/dist"
	"distributed-dreamer-rl/internal/nn"
	"distributed-dreamer-rl/internal/rssm"
)

// Encoder maps observations to embeddings. Observations are symlog-squashed
// before the network.
type Encoder struct {
	params *nn.ParamSet
	net    *nn.MLP
	obsDim int
}

func NewEncoder(obsDim, embedDim, units, layers int, rng *rand.Rand) *Encoder {
	ps := nn.NewParamSet()
	return &Encoder{
		params: ps,
		net:    nn.NewMLP(ps, "encoder", obsDim, units, layers, embedDim, rng),
		obsDim: obsDim,
	}
}

func (e *Encoder) Params() *nn.ParamSet { return e.params }

// Encode returns a B×embed embedding, or a ShapeError when the observation
// width is not the declared one.
func (e *Encoder) Encode(t *autograd.Tape, obs *autograd.Var) (*autograd.Var, error) {
	if err := nn.CheckCols("encoder", "observation", obs, e.obsDim); err != nil {
		return nil, err
	}
	return e.net.Forward(t, t.Symlog(obs)), nil
}

// Head maps a latent state to a distribution over one target.
type Head struct {
	name   string
	params *nn.ParamSet
	net    *nn.MLP
	wrap   func(t *autograd.Tape, out *autograd.Var) dist.Distribution
}

func newHead(name string, in, units, layers, out int, rng *rand.Rand, zeroOut bool, wrap func(*autograd.Tape, *autograd.Var) dist.Distribution) *Head {
	ps := nn.NewParamSet()
	net := nn.NewMLP(ps, name, in, units, layers, out, rng)
	if zeroOut {
		net.ZeroOutput()
	}
	return &Head{name: name, params: ps, net: net, wrap: wrap}
}

// NewRewardHead predicts a scalar reward in symlog space, starting at zero.
func NewRewardHead(in, units, layers int, rng *rand.Rand) *Head {
	return newHead("reward", in, units, layers, 1, rng, true, func(_ *autograd.Tape, out *autograd.Var) dist.Distribution {
		return dist.Symlog{Pred: out}
	})
}

// NewContinueHead predicts the probability that the episode continues.
func NewContinueHead(in, units, layers int, rng *rand.Rand) *Head {
	return newHead("continue", in, units, layers, 1, rng, false, func(_ *autograd.Tape, out *autograd.Var) dist.Distribution {
		return dist.Bernoulli{Logits: out}
	})
}

// NewDecoder reconstructs the observation in symlog space.
func NewDecoder(in, units, layers, obsDim int, rng *rand.Rand) *Head {
	return newHead("decoder", in, units, layers, obsDim, rng, false, func(_ *autograd.Tape, out *autograd.Var) dist.Distribution {
		return dist.Symlog{Pred: out}
	})
}

func (h *Head) Name() string { return h.name }

func (h *Head) Params() *nn.ParamSet { return h.params }

// Predict evaluates the head on a posterior or prior state.
func (h *Head) Predict(t *autograd.Tape, s rssm.LatentState) dist.Distribution {
	return h.wrap(t, h.net.Forward(t, s.Features(t)))
}
