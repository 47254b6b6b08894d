// Package agent assembles the world model and actor-critic for one
// environment, moves parameters in and out as named blobs, and acts online.
package agent

import (
	"fmt"
	"maps"
	"math/rand"
	"slices"

	"distributed-dreamer-rl/internal/actorcritic"
	"distributed-dreamer-rl/internal/env"
	"distributed-dreamer-rl/internal/nn"
	"distributed-dreamer-rl/internal/worldmodel"
)

// Config is shared by every process that builds an agent so that parameter
// shapes agree across the trainer and the rollout workers.
type Config struct {
	World       worldmodel.Config  `envPrefix:"WM_"`
	ActorCritic actorcritic.Config `envPrefix:"AC_"`
}

func DefaultConfig() Config {
	return Config{
		World:       worldmodel.DefaultConfig(),
		ActorCritic: actorcritic.DefaultConfig(),
	}
}

const (
	ComponentActor  = "actor"
	ComponentCritic = "critic"
)

// PolicyComponents are the parameter sets a worker needs to act.
var PolicyComponents = []string{
	worldmodel.ComponentEncoder,
	worldmodel.ComponentRSSM,
	ComponentActor,
}

type Agent struct {
	cfg  Config
	spec env.Spec

	World  *worldmodel.Model
	Actor  *actorcritic.Actor
	Critic *actorcritic.Critic
}

func New(cfg Config, spec env.Spec, seed int64) (*Agent, error) {
	rng := rand.New(rand.NewSource(seed))
	world, err := worldmodel.New(cfg.World, spec.ObsDim, spec.ActionDim, rng)
	if err != nil {
		return nil, err
	}
	feat := cfg.World.RSSM.Deter + cfg.World.RSSM.StochDim()
	action := actorcritic.ActionSpec{Dim: spec.ActionDim, Discrete: spec.Discrete}
	return &Agent{
		cfg:    cfg,
		spec:   spec,
		World:  world,
		Actor:  actorcritic.NewActor(cfg.ActorCritic, feat, action, rng),
		Critic: actorcritic.NewCritic(cfg.ActorCritic, feat, rng),
	}, nil
}

func (a *Agent) Config() Config { return a.cfg }

func (a *Agent) Spec() env.Spec { return a.spec }

// Components returns every independently serializable parameter set.
func (a *Agent) Components() map[string]*nn.ParamSet {
	out := a.World.Components()
	out[ComponentActor] = a.Actor.Params()
	out[ComponentCritic] = a.Critic.Params()
	return out
}

// Snapshot is a set of parameter blobs keyed by component.
type Snapshot struct {
	Iteration int               `json:"iteration"`
	Spec      env.Spec          `json:"spec"`
	Blobs     map[string][]byte `json:"blobs"`
}

// Snapshot marshals the named components, or all of them when none are
// named.
func (a *Agent) Snapshot(iteration int, components ...string) (Snapshot, error) {
	sets := a.Components()
	if len(components) == 0 {
		components = slices.Sorted(maps.Keys(sets))
	}
	snap := Snapshot{Iteration: iteration, Spec: a.spec, Blobs: make(map[string][]byte, len(components))}
	for _, name := range components {
		ps, ok := sets[name]
		if !ok {
			return Snapshot{}, fmt.Errorf("unknown component %q", name)
		}
		blob, err := ps.MarshalBinary()
		if err != nil {
			return Snapshot{}, fmt.Errorf("marshal %s: %w", name, err)
		}
		snap.Blobs[name] = blob
	}
	return snap, nil
}

// Restore loads every blob in the snapshot. Components missing from the
// snapshot keep their current values.
func (a *Agent) Restore(snap Snapshot) error {
	if snap.Spec.ObsDim != a.spec.ObsDim || snap.Spec.ActionDim != a.spec.ActionDim {
		return fmt.Errorf("snapshot is for %s (obs=%d action=%d), agent is %s (obs=%d action=%d)",
			snap.Spec.Name, snap.Spec.ObsDim, snap.Spec.ActionDim, a.spec.Name, a.spec.ObsDim, a.spec.ActionDim)
	}
	sets := a.Components()
	for name, blob := range snap.Blobs {
		ps, ok := sets[name]
		if !ok {
			return fmt.Errorf("unknown component %q", name)
		}
		if err := ps.UnmarshalBinary(blob); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}
	return nil
}
