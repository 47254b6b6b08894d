package env

import (
	"math"
	"math/rand"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleLength     = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleLength
	forceMax       = 10.0
	tau            = 0.02

	xThreshold       = 2.4
	thetaThreshold   = 12.0 * math.Pi / 180.0
	cartPoleMaxSteps = 500
)

// CartPole is the classic pole-balancing task with two discrete actions
// (push left, push right). Observations are (x, ẋ, θ, θ̇).
type CartPole struct {
	x, xDot, theta, thetaDot float64

	steps int
	rng   *rand.Rand
}

func NewCartPole(rng *rand.Rand) *CartPole {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	e := &CartPole{rng: rng}
	e.Reset()
	return e
}

func (e *CartPole) Spec() Spec {
	return Spec{Name: "cartpole", ObsDim: 4, ActionDim: 2, Discrete: true, MaxSteps: cartPoleMaxSteps}
}

func (e *CartPole) Reset() []float64 {
	e.x = e.rng.Float64()*0.1 - 0.05
	e.xDot = e.rng.Float64()*0.1 - 0.05
	e.theta = e.rng.Float64()*0.1 - 0.05
	e.thetaDot = e.rng.Float64()*0.1 - 0.05
	e.steps = 0
	return e.obs()
}

func (e *CartPole) obs() []float64 {
	return []float64{e.x, e.xDot, e.theta, e.thetaDot}
}

// Step pushes right for action index 1 and left otherwise. Reward is 1 for
// every step the pole stays up.
func (e *CartPole) Step(action []float64) ([]float64, float64, bool, bool) {
	force := forceMax
	if argmax(action) == 0 {
		force = -forceMax
	}

	cosTheta := math.Cos(e.theta)
	sinTheta := math.Sin(e.theta)

	temp := (force + poleMassLength*e.thetaDot*e.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass
	e.x += tau * e.xDot
	e.xDot += tau * xAcc
	e.theta += tau * e.thetaDot
	e.thetaDot += tau * thetaAcc
	e.steps++

	terminal := e.x < -xThreshold || e.x > xThreshold || e.theta < -thetaThreshold || e.theta > thetaThreshold
	truncated := !terminal && e.steps >= cartPoleMaxSteps
	reward := 1.0
	if terminal {
		reward = 0.0
	}
	return e.obs(), reward, terminal, truncated
}
