// Package trainer runs the training loop: sample a replay batch, update the
// world model, imagine trajectories from its posteriors, and update the
// actor and critic on them.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"distributed-dreamer-rl/internal/actorcritic"
	"distributed-dreamer-rl/internal/agent"
	"distributed-dreamer-rl/internal/autograd"
	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/checkpoint"
	"distributed-dreamer-rl/internal/imagine"
	"distributed-dreamer-rl/internal/nn"
	"distributed-dreamer-rl/internal/platform/logging"
	"distributed-dreamer-rl/internal/rssm"
	"distributed-dreamer-rl/internal/worldmodel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase is a state of the per-iteration state machine.
type Phase int

const (
	Idle Phase = iota
	CollectBatch
	WorldModelStep
	Imagine
	ActorCriticStep
)

func (p Phase) String() string {
	switch p {
	case CollectBatch:
		return "collect_batch"
	case WorldModelStep:
		return "world_model_step"
	case Imagine:
		return "imagine"
	case ActorCriticStep:
		return "actor_critic_step"
	default:
		return "idle"
	}
}

// Sampler supplies replayed sequence batches.
type Sampler interface {
	Sample(ctx context.Context, batch, length int) (buffer.SequenceBatch, error)
}

type SamplerFunc func(ctx context.Context, batch, length int) (buffer.SequenceBatch, error)

func (f SamplerFunc) Sample(ctx context.Context, batch, length int) (buffer.SequenceBatch, error) {
	return f(ctx, batch, length)
}

// GradNorms are the pre-clipping gradient norms of each optimizer step.
type GradNorms struct {
	World  float64 `json:"world"`
	Actor  float64 `json:"actor"`
	Critic float64 `json:"critic"`
}

type Report struct {
	Iteration  int                     `json:"iteration"`
	World      worldmodel.Losses       `json:"world"`
	Actor      actorcritic.ActorReport `json:"actor"`
	CriticLoss float64                 `json:"critic_loss"`
	GradNorms  GradNorms               `json:"grad_norms"`
	Duration   time.Duration           `json:"duration"`
}

type Option func(*Trainer)

// WithPhaseHook calls fn on entering every phase.
func WithPhaseHook(fn func(Phase)) Option {
	return func(tr *Trainer) { tr.onPhase = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(tr *Trainer) { tr.logger = logger }
}

// Trainer owns the agent's parameters and one optimizer per parameter set.
// Iterate is not safe for concurrent use; Policy, Stats and Phase are.
type Trainer struct {
	cfg     Config
	agent   *agent.Agent
	learner *actorcritic.Learner
	sampler Sampler

	worldOpt  *nn.Adam
	actorOpt  *nn.Adam
	criticOpt *nn.Adam

	rng     *rand.Rand
	logger  *slog.Logger
	tracer  trace.Tracer
	onPhase func(Phase)

	iteration int

	mu     sync.RWMutex
	phase  Phase
	halted error
	last   Report
	policy agent.Snapshot
}

func New(cfg Config, a *agent.Agent, sampler Sampler, opts ...Option) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tr := &Trainer{
		cfg:       cfg,
		agent:     a,
		learner:   actorcritic.NewLearner(a.Config().ActorCritic, a.Actor, a.Critic),
		sampler:   sampler,
		worldOpt:  nn.NewAdam(a.World.Params(), cfg.WorldOpt),
		actorOpt:  nn.NewAdam(a.Actor.Params(), cfg.ActorOpt),
		criticOpt: nn.NewAdam(a.Critic.Params(), cfg.CriticOpt),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		logger:    logging.Discard(),
		tracer:    otel.Tracer("distributed-dreamer-rl/internal/trainer"),
	}
	for _, opt := range opts {
		opt(tr)
	}
	if err := tr.publish(); err != nil {
		return nil, err
	}
	return tr, nil
}

func (tr *Trainer) Agent() *agent.Agent { return tr.agent }

func (tr *Trainer) Iteration() int { return tr.iteration }

// Iterate runs COLLECT_BATCH, WORLD_MODEL_STEP, IMAGINE and
// ACTOR_CRITIC_STEP once, in that order. A DivergenceError or a
// *nn.ShapeError halts the trainer: every later call returns it again.
func (tr *Trainer) Iterate(ctx context.Context) (Report, error) {
	if tr.halted != nil {
		return Report{}, tr.halted
	}
	started := time.Now()
	ctx, span := tr.tracer.Start(ctx, "iteration", trace.WithAttributes(attribute.Int("iteration", tr.iteration+1)))
	defer span.End()

	report, err := tr.iterate(ctx)
	tr.enter(Idle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if halts(err) {
			tr.mu.Lock()
			tr.halted = err
			tr.mu.Unlock()
			tr.logger.Error("training halted", "iteration", tr.iteration+1, "error", err)
		}
		return Report{}, err
	}

	tr.iteration++
	report.Iteration = tr.iteration
	report.Duration = time.Since(started)
	if err := tr.publish(); err != nil {
		return Report{}, err
	}
	tr.mu.Lock()
	tr.last = report
	tr.mu.Unlock()

	tr.logger.Debug("iteration done",
		"iteration", report.Iteration,
		"world_loss", report.World.Total,
		"reward_loss", report.World.Reward,
		"kl", report.World.KL,
		"actor_loss", report.Actor.Loss,
		"critic_loss", report.CriticLoss,
		"return", report.Actor.Return,
		"duration", report.Duration,
	)
	return report, nil
}

func (tr *Trainer) iterate(ctx context.Context) (Report, error) {
	var report Report

	batch, err := tr.collect(ctx)
	if err != nil {
		return report, err
	}
	posteriors, err := tr.worldModelStep(ctx, batch, &report)
	if err != nil {
		return report, err
	}
	tape, traj, err := tr.imagine(ctx, posteriors)
	if err != nil {
		return report, err
	}
	if err := tr.actorCriticStep(ctx, tape, traj, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (tr *Trainer) collect(ctx context.Context) (buffer.SequenceBatch, error) {
	tr.enter(CollectBatch)
	ctx, span := tr.tracer.Start(ctx, CollectBatch.String())
	defer span.End()

	batch, err := tr.sampler.Sample(ctx, tr.cfg.BatchSize, tr.cfg.SeqLen)
	if err != nil {
		return buffer.SequenceBatch{}, fmt.Errorf("%s: %w", CollectBatch, err)
	}
	return batch, nil
}

func (tr *Trainer) worldModelStep(ctx context.Context, batch buffer.SequenceBatch, report *Report) ([]rssm.LatentState, error) {
	tr.enter(WorldModelStep)
	_, span := tr.tracer.Start(ctx, WorldModelStep.String())
	defer span.End()

	tape := autograd.NewTape()
	out, err := tr.agent.World.Loss(tape, batch, tr.rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", WorldModelStep, err)
	}
	report.World = out.Losses
	span.SetAttributes(
		attribute.Float64("loss.total", out.Losses.Total),
		attribute.Float64("loss.recon", out.Losses.Recon),
		attribute.Float64("loss.reward", out.Losses.Reward),
		attribute.Float64("loss.cont", out.Losses.Cont),
		attribute.Float64("loss.kl", out.Losses.KL),
	)
	if err := checkFinite(WorldModelStep, "world model loss", out.Losses.Total); err != nil {
		return nil, err
	}
	grad, err := tape.Backward(out.Loss)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", WorldModelStep, err)
	}
	if err := checkFinite(WorldModelStep, "world model gradient", tr.worldOpt.GradNorm(grad)); err != nil {
		return nil, err
	}
	report.GradNorms.World = tr.worldOpt.Step(grad)
	return out.Posteriors, nil
}

func (tr *Trainer) imagine(ctx context.Context, posteriors []rssm.LatentState) (*autograd.Tape, imagine.Trajectory, error) {
	tr.enter(Imagine)
	_, span := tr.tracer.Start(ctx, Imagine.String())
	defer span.End()

	world := tr.agent.World
	rollout := imagine.Rollout{
		Dynamics: world.RSSM,
		Policy:   tr.agent.Actor,
		Reward:   world.Reward,
		Continue: world.Continue,
		Critic:   tr.agent.Critic,
		Horizon:  tr.cfg.Horizon,
	}
	tape := autograd.NewTape()
	traj, err := rollout.Run(tape, rssm.Stack(posteriors), tr.rng)
	if err != nil {
		return nil, imagine.Trajectory{}, fmt.Errorf("%s: %w", Imagine, err)
	}
	span.SetAttributes(attribute.Int("starts", traj.Start.Batch()), attribute.Int("horizon", traj.Horizon()))
	return tape, traj, nil
}

func (tr *Trainer) actorCriticStep(ctx context.Context, tape *autograd.Tape, traj imagine.Trajectory, report *Report) error {
	tr.enter(ActorCriticStep)
	_, span := tr.tracer.Start(ctx, ActorCriticStep.String())
	defer span.End()

	loss, targets, actorReport, err := tr.learner.ActorLoss(tape, traj)
	if err != nil {
		return fmt.Errorf("%s: %w", ActorCriticStep, err)
	}
	report.Actor = actorReport
	if err := checkFinite(ActorCriticStep, "actor loss", actorReport.Loss); err != nil {
		return err
	}
	// The actor objective backpropagates through the dynamics, heads and
	// critic; only the actor optimizer consumes the result.
	grad, err := tape.Backward(loss)
	if err != nil {
		return fmt.Errorf("%s: %w", ActorCriticStep, err)
	}
	if err := checkFinite(ActorCriticStep, "actor gradient", tr.actorOpt.GradNorm(grad)); err != nil {
		return err
	}
	report.GradNorms.Actor = tr.actorOpt.Step(grad)

	criticTape := autograd.NewTape()
	criticLoss := tr.learner.CriticLoss(criticTape, targets)
	report.CriticLoss = criticLoss.Scalar()
	if err := checkFinite(ActorCriticStep, "critic loss", report.CriticLoss); err != nil {
		return err
	}
	criticGrad, err := criticTape.Backward(criticLoss)
	if err != nil {
		return fmt.Errorf("%s: %w", ActorCriticStep, err)
	}
	if err := checkFinite(ActorCriticStep, "critic gradient", tr.criticOpt.GradNorm(criticGrad)); err != nil {
		return err
	}
	report.GradNorms.Critic = tr.criticOpt.Step(criticGrad)

	span.SetAttributes(
		attribute.Float64("loss.actor", actorReport.Loss),
		attribute.Float64("loss.critic", report.CriticLoss),
		attribute.Float64("return.mean", actorReport.Return),
		attribute.Float64("return.scale", actorReport.Scale),
	)
	return nil
}

// halts reports whether err leaves the trainer unable to continue. Shape
// mismatches come from data or configuration that will not change between
// iterations.
func halts(err error) bool {
	var div *DivergenceError
	var shape *nn.ShapeError
	return errors.As(err, &div) || errors.As(err, &shape)
}

func (tr *Trainer) enter(p Phase) {
	tr.mu.Lock()
	tr.phase = p
	tr.mu.Unlock()
	if tr.onPhase != nil {
		tr.onPhase(p)
	}
}

func (tr *Trainer) publish() error {
	snap, err := tr.agent.Snapshot(tr.iteration, agent.PolicyComponents...)
	if err != nil {
		return fmt.Errorf("policy snapshot: %w", err)
	}
	tr.mu.Lock()
	tr.policy = snap
	tr.mu.Unlock()
	return nil
}

// Policy is the snapshot workers act with, taken after the last completed
// iteration.
func (tr *Trainer) Policy() agent.Snapshot {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.policy
}

func (tr *Trainer) Phase() Phase {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.phase
}

type Stats struct {
	Phase     string `json:"phase"`
	Halted    bool   `json:"halted"`
	Last      Report `json:"last"`
	Iteration int    `json:"iteration"`
}

func (tr *Trainer) Stats() Stats {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return Stats{
		Phase:     tr.phase.String(),
		Halted:    tr.halted != nil,
		Iteration: tr.last.Iteration,
		Last:      tr.last,
	}
}

// state is the trainer-owned part of a checkpoint.
type state struct {
	Iteration  int     `json:"iteration"`
	ReturnLow  float64 `json:"return_low"`
	ReturnHigh float64 `json:"return_high"`
	ReturnSeen bool    `json:"return_seen"`
}

// Checkpoint captures every parameter set and the return normalizer.
func (tr *Trainer) Checkpoint(runID string) (checkpoint.Checkpoint, error) {
	snap, err := tr.agent.Snapshot(tr.iteration)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	lo, hi, seen := tr.learner.Norm.State()
	data, err := json.Marshal(state{Iteration: tr.iteration, ReturnLow: lo, ReturnHigh: hi, ReturnSeen: seen})
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return checkpoint.Checkpoint{
		RunID:     runID,
		Iteration: tr.iteration,
		Blobs:     snap.Blobs,
		State:     data,
	}, nil
}

// Resume restores parameters and counters from a checkpoint. Optimizer
// moments start fresh.
func (tr *Trainer) Resume(cp checkpoint.Checkpoint) error {
	var st state
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return fmt.Errorf("decode trainer state: %w", err)
	}
	if err := tr.agent.Restore(agent.Snapshot{Iteration: cp.Iteration, Spec: tr.agent.Spec(), Blobs: cp.Blobs}); err != nil {
		return err
	}
	tr.learner.Norm.Restore(st.ReturnLow, st.ReturnHigh, st.ReturnSeen)
	tr.iteration = cp.Iteration
	return tr.publish()
}
