package agent

import (
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/rssm"
	"gonum.org/v1/gonum/mat"
)

// Filter tracks the posterior latent state of a single environment and
// picks actions from it. It is not safe for concurrent use.
type Filter struct {
	agent  *Agent
	rng    *rand.Rand
	state  rssm.LatentState
	action []float64
}

func (a *Agent) NewFilter(rng *rand.Rand) *Filter {
	f := &Filter{agent: a, rng: rng}
	f.Reset()
	return f
}

func (f *Filter) Reset() {
	f.state = f.agent.World.RSSM.Initial(1)
	f.action = make([]float64, f.agent.spec.ActionDim)
}

// PrevAction is the action that led into the most recent observation, all
// zeros at the start of an episode.
func (f *Filter) PrevAction() []float64 {
	return f.action
}

// Act folds obs into the posterior and returns the next action. Sampling is
// used when explore is set, the policy mode otherwise.
func (f *Filter) Act(obs []float64, isFirst, explore bool) ([]float64, error) {
	if isFirst {
		f.Reset()
	}
	t := autograd.NewTape()
	embed, err := f.agent.World.Encoder.Encode(t, autograd.Const(mat.NewDense(1, len(obs), obs)))
	if err != nil {
		return nil, err
	}
	prevAction := autograd.Const(mat.NewDense(1, len(f.action), f.action))
	post, _, err := f.agent.World.RSSM.Observe(t, f.state, prevAction, embed, []bool{isFirst}, f.rng)
	if err != nil {
		return nil, err
	}
	f.state = post.Detach()

	policy := f.agent.Actor.Policy(t, f.state)
	var action *autograd.Var
	if explore {
		action = policy.Sample(t, f.rng)
	} else {
		action = policy.Mode(t)
	}
	f.action = mat.Row(nil, 0, action.Value)
	return f.action, nil
}
