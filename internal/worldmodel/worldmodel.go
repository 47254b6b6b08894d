// Package worldmodel assembles the encoder, RSSM and prediction heads and
// computes the world-model loss over a replayed sequence batch.
package worldmodel

import (
	"fmt"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/nn"
	"distributed-dreamer-rl/internal/rssm"
)

type Config struct {
	RSSM   rssm.Config `envPrefix:"RSSM_"`
	Embed  int         `env:"EMBED"`
	Units  int         `env:"UNITS"`
	Layers int         `env:"LAYERS"`

	ReconScale  float64 `env:"RECON_SCALE"`
	RewardScale float64 `env:"REWARD_SCALE"`
	ContScale   float64 `env:"CONT_SCALE"`
}

func DefaultConfig() Config {
	return Config{
		RSSM:        rssm.DefaultConfig(),
		Embed:       64,
		Units:       64,
		Layers:      2,
		ReconScale:  1,
		RewardScale: 1,
		ContScale:   1,
	}
}

// Component names used for parameter blobs.
const (
	ComponentEncoder  = "encoder"
	ComponentRSSM     = "rssm"
	ComponentDecoder  = "decoder"
	ComponentReward   = "reward"
	ComponentContinue = "continue"
)

type Model struct {
	cfg       Config
	obsDim    int
	actionDim int

	Encoder  *Encoder
	RSSM     *rssm.Model
	Decoder  *Head
	Reward   *Head
	Continue *Head

	params *nn.ParamSet
}

func New(cfg Config, obsDim, actionDim int, rng *rand.Rand) (*Model, error) {
	if obsDim <= 0 || actionDim <= 0 {
		return nil, fmt.Errorf("worldmodel: invalid obs=%d action=%d", obsDim, actionDim)
	}
	dyn, err := rssm.New(cfg.RSSM, actionDim, cfg.Embed, rng)
	if err != nil {
		return nil, err
	}
	feat := cfg.RSSM.Deter + cfg.RSSM.StochDim()
	m := &Model{
		cfg:       cfg,
		obsDim:    obsDim,
		actionDim: actionDim,
		Encoder:   NewEncoder(obsDim, cfg.Embed, cfg.Units, cfg.Layers, rng),
		RSSM:      dyn,
		Decoder:   NewDecoder(feat, cfg.Units, cfg.Layers, obsDim, rng),
		Reward:    NewRewardHead(feat, cfg.Units, cfg.Layers, rng),
		Continue:  NewContinueHead(feat, cfg.Units, cfg.Layers, rng),
	}
	m.params = nn.Join(m.Encoder.Params(), dyn.Params(), m.Decoder.Params(), m.Reward.Params(), m.Continue.Params())
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

// Params is the union of every world-model parameter; one optimizer owns it.
func (m *Model) Params() *nn.ParamSet { return m.params }

// Components returns the independently serializable parameter sets.
func (m *Model) Components() map[string]*nn.ParamSet {
	return map[string]*nn.ParamSet{
		ComponentEncoder:  m.Encoder.Params(),
		ComponentRSSM:     m.RSSM.Params(),
		ComponentDecoder:  m.Decoder.Params(),
		ComponentReward:   m.Reward.Params(),
		ComponentContinue: m.Continue.Params(),
	}
}

// Losses are the reported loss terms: each summed over the sequence and
// averaged over the batch.
type Losses struct {
	Recon  float64 `json:"recon"`
	Reward float64 `json:"reward"`
	Cont   float64 `json:"cont"`
	KL     float64 `json:"kl"`
	Dyn    float64 `json:"dyn"`
	Rep    float64 `json:"rep"`
	Total  float64 `json:"total"`
}

// Output is the result of unrolling the model over a batch.
type Output struct {
	Loss       *autograd.Var
	Losses     Losses
	Posteriors []rssm.LatentState
}

// Loss encodes every observation, folds Observe over the sequence carrying
// state and resetting on is_first, and sums the head NLLs and the balanced
// KL. The unroll starts from the zero state; nothing carries across calls.
func (m *Model) Loss(t *autograd.Tape, batch buffer.SequenceBatch, rng *rand.Rand) (Output, error) {
	if err := m.checkBatch(batch); err != nil {
		return Output{}, err
	}
	size, length := batch.Size()

	var recon, reward, cont, kl, dyn, rep []*autograd.Var
	posteriors := make([]rssm.LatentState, 0, length)
	state := m.RSSM.Initial(size)
	for i := 0; i < length; i++ {
		step := batch.At(i)
		obs := autograd.Const(step.Obs)
		embed, err := m.Encoder.Encode(t, obs)
		if err != nil {
			return Output{}, err
		}
		post, prior, err := m.RSSM.Observe(t, state, autograd.Const(step.Action), embed, step.IsFirst, rng)
		if err != nil {
			return Output{}, fmt.Errorf("observe step %d: %w", i, err)
		}
		terms := m.RSSM.KLLoss(t, post.Dist, prior.Dist)

		recon = append(recon, t.Sum(m.Decoder.Predict(t, post).LogProb(t, obs)))
		reward = append(reward, t.Sum(m.Reward.Predict(t, post).LogProb(t, autograd.Const(step.Reward))))
		cont = append(cont, t.Sum(m.Continue.Predict(t, post).LogProb(t, autograd.Const(step.Cont))))
		kl = append(kl, t.Sum(terms.Loss))
		dyn = append(dyn, t.Sum(terms.Dyn))
		rep = append(rep, t.Sum(terms.Rep))

		posteriors = append(posteriors, post)
		state = post
	}

	perBatch := 1 / float64(size)
	reconLoss := t.Scale(sum(t, recon), -perBatch)
	rewardLoss := t.Scale(sum(t, reward), -perBatch)
	contLoss := t.Scale(sum(t, cont), -perBatch)
	klLoss := t.Scale(sum(t, kl), perBatch)
	total := t.Add(t.Add(
		t.Scale(reconLoss, m.cfg.ReconScale),
		t.Scale(rewardLoss, m.cfg.RewardScale)), t.Add(
		t.Scale(contLoss, m.cfg.ContScale),
		klLoss))

	return Output{
		Loss: total,
		Losses: Losses{
			Recon:  reconLoss.Scalar(),
			Reward: rewardLoss.Scalar(),
			Cont:   contLoss.Scalar(),
			KL:     klLoss.Scalar(),
			Dyn:    sum(t, dyn).Scalar() * perBatch,
			Rep:    sum(t, rep).Scalar() * perBatch,
			Total:  total.Scalar(),
		},
		Posteriors: posteriors,
	}, nil
}

func (m *Model) checkBatch(batch buffer.SequenceBatch) error {
	size, length := batch.Size()
	if size == 0 || length == 0 {
		return fmt.Errorf("worldmodel: empty batch %dx%d", size, length)
	}
	for b, seq := range batch.Sequences {
		if len(seq) != length {
			return &nn.ShapeError{Component: "worldmodel", Input: fmt.Sprintf("sequence %d length", b), Want: length, Got: len(seq)}
		}
		for _, tr := range seq {
			if len(tr.Obs) != m.obsDim {
				return &nn.ShapeError{Component: "worldmodel", Input: "observation", Want: m.obsDim, Got: len(tr.Obs)}
			}
			if len(tr.Action) != m.actionDim {
				return &nn.ShapeError{Component: "worldmodel", Input: "action", Want: m.actionDim, Got: len(tr.Action)}
			}
		}
	}
	return nil
}

func sum(t *autograd.Tape, vs []*autograd.Var) *autograd.Var {
	out := vs[0]
	for _, v := range vs[1:] {
		out = t.Add(out, v)
	}
	return out
}
