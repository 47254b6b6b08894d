package env

import (
	"math/rand"
	"testing"
)

func TestNewRejectsUnknownEnvironment(t *testing.T) {
	t.Parallel()

	if _, err := New("pong", rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestEpisodesEnd(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"cartpole", "point"} {
		e, err := New(name, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		spec := e.Spec()
		obs := e.Reset()
		if len(obs) != spec.ObsDim {
			t.Fatalf("%s: obs width = %d, want %d", name, len(obs), spec.ObsDim)
		}
		action := make([]float64, spec.ActionDim)
		action[0] = 1
		var steps int
		for {
			next, _, terminal, truncated := e.Step(action)
			if len(next) != spec.ObsDim {
				t.Fatalf("%s: obs width = %d, want %d", name, len(next), spec.ObsDim)
			}
			steps++
			if terminal || truncated {
				break
			}
			if steps > spec.MaxSteps {
				t.Fatalf("%s: episode ran past %d steps", name, spec.MaxSteps)
			}
		}
	}
}

func TestCartPoleFallsWhenPushedOneWay(t *testing.T) {
	t.Parallel()

	e := NewCartPole(rand.New(rand.NewSource(2)))
	for i := 0; i < cartPoleMaxSteps; i++ {
		_, reward, terminal, truncated := e.Step([]float64{1, 0})
		if truncated {
			t.Fatal("constant push should not survive to the step limit")
		}
		if terminal {
			if reward != 0 {
				t.Fatalf("terminal reward = %v, want 0", reward)
			}
			return
		}
	}
	t.Fatal("episode never terminated")
}

func TestPointRewardIsCoordinateSum(t *testing.T) {
	t.Parallel()

	e := NewPoint(rand.New(rand.NewSource(3)))
	e.Reset()
	obs, reward, terminal, _ := e.Step([]float64{1, -1})
	if terminal {
		t.Fatal("point never terminates")
	}
	if got := obs[0] + obs[1]; got != reward {
		t.Fatalf("reward = %v, want %v", reward, got)
	}
	for i := 0; i < 100; i++ {
		obs, _, _, _ = e.Step([]float64{5, 5})
	}
	if obs[0] != 1 || obs[1] != 1 {
		t.Fatalf("obs = %v, want clipped to [1 1]", obs)
	}
}
