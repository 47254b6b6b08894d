package nn

import (
	"math"

	"distributed-dreamer-rl/internal/autograd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
)

// AdamConfig holds optimizer hyperparameters. Zero Clip disables gradient
// clipping.
type AdamConfig struct {
	LR    float64 `env:"LR"`
	Beta1 float64 `env:"BETA1"`
	Beta2 float64 `env:"BETA2"`
	Eps   float64 `env:"EPS"`
	Clip  float64 `env:"CLIP"`
}

// DefaultAdam returns the usual Adam settings with the given learning rate.
func DefaultAdam(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, Clip: 100}
}

// Adam updates exactly one parameter set. Gradients for variables outside
// the set are ignored, so one Backward result can feed several optimizers.
type Adam struct {
	cfg    AdamConfig
	params *ParamSet
	opt    *anysgd.Adam
	steps  int
}

func NewAdam(params *ParamSet, cfg AdamConfig) *Adam {
	return &Adam{
		cfg:    cfg,
		params: params,
		opt: &anysgd.Adam{
			DecayRate1: cfg.Beta1,
			DecayRate2: cfg.Beta2,
			Damping:    cfg.Eps,
			Vars:       params.Params(),
		},
	}
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.steps
}

// GradNorm is the global L2 norm of g restricted to this optimizer's
// parameters.
func (a *Adam) GradNorm(g anydiff.Grad) float64 {
	var sum float64
	for _, p := range a.opt.Vars {
		if vec, ok := g[p]; ok {
			sum += vec.Dot(vec).(float64)
		}
	}
	return math.Sqrt(sum)
}

// Step applies one update from g and returns the pre-clipping gradient norm.
// Parameters absent from g are treated as having a zero gradient. The
// entries of g belonging to this set are consumed.
func (a *Adam) Step(g anydiff.Grad) float64 {
	norm := a.GradNorm(g)
	own := anydiff.Grad{}
	for _, p := range a.opt.Vars {
		if vec, ok := g[p]; ok {
			own[p] = vec
		} else {
			own[p] = autograd.Creator.MakeVector(p.Vector.Len())
		}
	}
	if a.cfg.Clip > 0 && norm > a.cfg.Clip {
		own.ScaleFloat64(a.cfg.Clip / norm)
	}
	step := a.opt.Transform(own)
	step.ScaleFloat64(-a.cfg.LR)
	step.AddToVars()
	for _, v := range a.params.Vars() {
		v.Sync()
	}
	a.steps++
	return norm
}

