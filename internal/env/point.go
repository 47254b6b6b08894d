package env

import (
	"math"
	"math/rand"
)

const (
	pointSpeed    = 0.1
	pointMaxSteps = 50
)

// Point is a 2-D toy task: the agent moves a point inside [-1, 1]² with
// actions in (-1, 1)², and the reward is the sum of the coordinates it
// reaches. Episodes only end by truncation.
type Point struct {
	z     [2]float64
	steps int
	rng   *rand.Rand
}

func NewPoint(rng *rand.Rand) *Point {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	e := &Point{rng: rng}
	e.Reset()
	return e
}

func (e *Point) Spec() Spec {
	return Spec{Name: "point", ObsDim: 2, ActionDim: 2, MaxSteps: pointMaxSteps}
}

func (e *Point) Reset() []float64 {
	for i := range e.z {
		e.z[i] = e.rng.Float64() - 0.5
	}
	e.steps = 0
	return e.obs()
}

func (e *Point) obs() []float64 {
	return []float64{e.z[0], e.z[1]}
}

func (e *Point) Step(action []float64) ([]float64, float64, bool, bool) {
	var reward float64
	for i := range e.z {
		a := math.Max(-1, math.Min(1, action[i]))
		e.z[i] = math.Max(-1, math.Min(1, e.z[i]+pointSpeed*a))
		reward += e.z[i]
	}
	e.steps++
	return e.obs(), reward, false, e.steps >= pointMaxSteps
}
