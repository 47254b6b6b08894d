// Package env holds the environments rollout workers interact with.
package env

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Spec describes an environment's observation and action spaces. Discrete
// actions are one-hot vectors of width ActionDim.
type Spec struct {
	Name      string `json:"name"`
	ObsDim    int    `json:"obs_dim"`
	ActionDim int    `json:"action_dim"`
	Discrete  bool   `json:"discrete"`
	MaxSteps  int    `json:"max_steps"`
}

type Env interface {
	Spec() Spec
	Reset() []float64
	// Step applies action and reports the next observation, the reward, and
	// whether the episode ended by termination or by the step limit.
	Step(action []float64) (obs []float64, reward float64, terminal, truncated bool)
}

func New(name string, rng *rand.Rand) (Env, error) {
	switch name {
	case "cartpole":
		return NewCartPole(rng), nil
	case "point":
		return NewPoint(rng), nil
	}
	return nil, fmt.Errorf("unknown environment %q", name)
}

// Lookup returns the spec of a named environment without building one.
func Lookup(name string) (Spec, error) {
	e, err := New(name, rand.New(rand.NewSource(0)))
	if err != nil {
		return Spec{}, err
	}
	return e.Spec(), nil
}

// argmax decodes a one-hot (or soft) discrete action.
func argmax(xs []float64) int {
	if len(xs) == 0 {
		return 0
	}
	return floats.MaxIdx(xs)
}
