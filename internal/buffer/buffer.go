package buffer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

type Item struct {
	Episode    Episode
	EnqueuedAt time.Time
}

// Policy selects how sequence start positions are drawn.
type Policy string

const (
	Uniform   Policy = "uniform"
	Freshness Policy = "freshness"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Uniform, Freshness:
		return p, nil
	}
	return "", fmt.Errorf("policy must be %q or %q", Uniform, Freshness)
}

var (
	ErrEmptyEpisode     = errors.New("episode has no transitions")
	ErrEpisodeTooLarge  = errors.New("episode exceeds buffer capacity")
	ErrInsufficientData = errors.New("insufficient data")
	ErrWidthMismatch    = errors.New("transition widths differ")
	ErrFirstAction      = errors.New("first action must be all zeros")
)

// InsufficientDataError reports that fewer than Need consecutive
// transitions are stored.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("buffer holds %d transitions, need %d", e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// ReplayBuffer stores whole episodes as one continuous stream of
// transitions. Capacity counts transitions; the oldest episodes are evicted
// first. Sampled windows may cross episode boundaries, where IsFirst marks
// the reset.
type ReplayBuffer struct {
	mu       sync.Mutex
	items    []Item
	offsets  []int // offsets[i] is the stream index of items[i]'s first transition
	size     int
	capacity int
	policy   Policy
	rng      *rand.Rand
	added    int
	evicted  int
}

func NewReplayBuffer(capacity int, policy Policy, seed int64) (*ReplayBuffer, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	return &ReplayBuffer{
		capacity: capacity,
		policy:   policy,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Add stores a copy of ep, evicting old episodes until it fits. Every
// transition must match the observation and action widths of the first one
// and of the episodes already stored, and the first action must be all
// zeros. The stored first transition is always marked IsFirst; ep itself is
// never modified.
func (rb *ReplayBuffer) Add(ep Episode, now time.Time) error {
	n := len(ep.Transitions)
	if n == 0 {
		return ErrEmptyEpisode
	}
	if n > rb.capacity {
		return fmt.Errorf("%w: %d > %d", ErrEpisodeTooLarge, n, rb.capacity)
	}
	if err := validate(ep.Transitions); err != nil {
		return err
	}
	stored := ep
	stored.Transitions = lo.Map(ep.Transitions, func(tr Transition, _ int) Transition {
		tr.Obs = append([]float64(nil), tr.Obs...)
		tr.Action = append([]float64(nil), tr.Action...)
		return tr
	})
	stored.Transitions[0].IsFirst = true

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.items) > 0 {
		ref := rb.items[0].Episode.Transitions[0]
		first := stored.Transitions[0]
		if len(first.Obs) != len(ref.Obs) || len(first.Action) != len(ref.Action) {
			return fmt.Errorf("%w: episode has obs/action widths %d/%d, buffer holds %d/%d",
				ErrWidthMismatch, len(first.Obs), len(first.Action), len(ref.Obs), len(ref.Action))
		}
	}
	for rb.size+n > rb.capacity {
		rb.size -= len(rb.items[0].Episode.Transitions)
		rb.items = rb.items[1:]
		rb.evicted++
	}
	rb.items = append(rb.items, Item{Episode: stored, EnqueuedAt: now})
	rb.size += n
	rb.added++
	rb.reindex()
	return nil
}

func validate(trs []Transition) error {
	obs, act := len(trs[0].Obs), len(trs[0].Action)
	for i, tr := range trs {
		if len(tr.Obs) != obs || len(tr.Action) != act {
			return fmt.Errorf("%w: transition %d has obs/action widths %d/%d, want %d/%d",
				ErrWidthMismatch, i, len(tr.Obs), len(tr.Action), obs, act)
		}
	}
	if lo.ContainsBy(trs[0].Action, func(a float64) bool { return a != 0 }) {
		return ErrFirstAction
	}
	return nil
}

func (rb *ReplayBuffer) reindex() {
	rb.offsets = rb.offsets[:0]
	off := 0
	for _, it := range rb.items {
		rb.offsets = append(rb.offsets, off)
		off += len(it.Episode.Transitions)
	}
}

// Sample draws batch windows of length consecutive transitions.
func (rb *ReplayBuffer) Sample(batch, length int) (SequenceBatch, error) {
	if batch <= 0 || length <= 0 {
		return SequenceBatch{}, fmt.Errorf("invalid sample size %dx%d", batch, length)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < length {
		return SequenceBatch{}, &InsufficientDataError{Have: rb.size, Need: length}
	}
	starts := rb.size - length + 1
	out := SequenceBatch{Sequences: make([][]Transition, batch)}
	for b := range out.Sequences {
		out.Sequences[b] = rb.window(rb.start(starts), length)
	}
	return out, nil
}

func (rb *ReplayBuffer) start(n int) int {
	u := rb.rng.Float64()
	if rb.policy == Freshness {
		u = math.Sqrt(u)
	}
	return min(int(u*float64(n)), n-1)
}

func (rb *ReplayBuffer) window(from, length int) []Transition {
	out := make([]Transition, 0, length)
	i := sort.Search(len(rb.offsets), func(i int) bool { return rb.offsets[i] > from }) - 1
	pos := from - rb.offsets[i]
	for len(out) < length {
		trs := rb.items[i].Episode.Transitions
		take := min(len(trs)-pos, length-len(out))
		out = append(out, trs[pos:pos+take]...)
		i++
		pos = 0
	}
	return out
}

func (rb *ReplayBuffer) Capacity() int {
	return rb.capacity
}

func (rb *ReplayBuffer) Policy() Policy {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.policy
}

func (rb *ReplayBuffer) SetPolicy(policy Policy) error {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.policy = policy
	return nil
}

// Size is the number of stored transitions.
func (rb *ReplayBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.size
}

func (rb *ReplayBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	returns := lo.Map(rb.items, func(it Item, _ int) float64 { return it.Episode.Return })
	return Stats{
		Episodes:    len(rb.items),
		Transitions: rb.size,
		Capacity:    rb.capacity,
		Policy:      rb.policy,
		Added:       rb.added,
		Evicted:     rb.evicted,
		MeanReturn:  lo.Mean(returns),
		MaxReturn:   lo.Max(returns),
	}
}
