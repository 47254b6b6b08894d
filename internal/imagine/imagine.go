// Package imagine rolls the learned dynamics forward under the actor without
// touching real observations.
package imagine

import (
	"fmt"
	"math/rand"

	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/dist"
	"distributed-dreamer-rl/internal/rssm"
)

// Dynamics advances a latent state under an action with the prior.
type Dynamics interface {
	Imagine(t *autograd.Tape, prev rssm.LatentState, action *autograd.Var, rng *rand.Rand) (rssm.LatentState, error)
}

// Policy maps a latent state to an action distribution.
type Policy interface {
	Policy(t *autograd.Tape, s rssm.LatentState) dist.Stochastic
}

// Predictor is a head evaluated on imagined states.
type Predictor interface {
	Predict(t *autograd.Tape, s rssm.LatentState) dist.Distribution
}

// Valuer estimates the value of a latent state, B×1.
type Valuer interface {
	Value(t *autograd.Tape, s rssm.LatentState) *autograd.Var
}

// Step is one imagined transition s_t -a_t-> s_{t+1}.
type Step struct {
	State  rssm.LatentState // s_{t+1}
	Action *autograd.Var    // a_t, sampled from Policy
	Policy dist.Stochastic  // π(·|s_t)
	Reward *autograd.Var    // predicted reward at s_{t+1}, B×1
	Cont   *autograd.Var    // predicted continuation probability at s_{t+1}, B×1
	Value  *autograd.Var    // critic estimate at s_{t+1}, B×1; nil without a Critic
}

// Trajectory is an imagined rollout of exactly len(Steps) steps.
type Trajectory struct {
	Start      rssm.LatentState
	StartValue *autograd.Var // critic estimate at s_0; nil without a Critic
	Steps      []Step
}

// Values returns v_0..v_H, or nil when the rollout had no critic.
func (tr Trajectory) Values() []*autograd.Var {
	if tr.StartValue == nil {
		return nil
	}
	out := make([]*autograd.Var, 0, len(tr.Steps)+1)
	out = append(out, tr.StartValue)
	for _, s := range tr.Steps {
		out = append(out, s.Value)
	}
	return out
}

func (tr Trajectory) Horizon() int {
	return len(tr.Steps)
}

// States returns s_0..s_H.
func (tr Trajectory) States() []rssm.LatentState {
	out := make([]rssm.LatentState, 0, len(tr.Steps)+1)
	out = append(out, tr.Start)
	for _, s := range tr.Steps {
		out = append(out, s.State)
	}
	return out
}

// Rollout holds what an imagination pass needs. It has no access to the
// replay buffer or the encoder.
type Rollout struct {
	Dynamics Dynamics
	Policy   Policy
	Reward   Predictor
	Continue Predictor
	// Critic, when set, values every imagined state on the same tape.
	Critic  Valuer
	Horizon int
}

// Run imagines Horizon steps from start. Start is detached so gradients of
// the imagined objective never reach the posterior that produced it;
// gradients do flow through action sampling and the dynamics.
func (r Rollout) Run(t *autograd.Tape, start rssm.LatentState, rng *rand.Rand) (Trajectory, error) {
	if r.Horizon <= 0 {
		return Trajectory{}, fmt.Errorf("imagine: horizon must be positive, got %d", r.Horizon)
	}
	state := start.Detach()
	tr := Trajectory{Start: state, Steps: make([]Step, 0, r.Horizon)}
	if r.Critic != nil {
		tr.StartValue = r.Critic.Value(t, state)
	}
	for i := 0; i < r.Horizon; i++ {
		policy := r.Policy.Policy(t, state)
		action := policy.Sample(t, rng)
		next, err := r.Dynamics.Imagine(t, state, action, rng)
		if err != nil {
			return Trajectory{}, fmt.Errorf("imagine step %d: %w", i, err)
		}
		step := Step{
			State:  next,
			Action: action,
			Policy: policy,
			Reward: r.Reward.Predict(t, next).Mode(t),
			Cont:   probability(t, r.Continue.Predict(t, next)),
		}
		if r.Critic != nil {
			step.Value = r.Critic.Value(t, next)
		}
		tr.Steps = append(tr.Steps, step)
		state = next
	}
	return tr, nil
}

func probability(t *autograd.Tape, d dist.Distribution) *autograd.Var {
	if p, ok := d.(interface {
		Prob(*autograd.Tape) *autograd.Var
	}); ok {
		return p.Prob(t)
	}
	return d.Mode(t)
}
