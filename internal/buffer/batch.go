package buffer

import "gonum.org/v1/gonum/mat"

// SequenceBatch holds B sequences of L consecutive transitions.
type SequenceBatch struct {
	Sequences [][]Transition `json:"sequences"`
}

// StepBatch is the t-th time slice of a SequenceBatch in matrix form.
type StepBatch struct {
	Obs     *mat.Dense // B×obs
	Action  *mat.Dense // B×action
	Reward  *mat.Dense // B×1
	Cont    *mat.Dense // B×1
	IsFirst []bool
}

// Size returns (B, L). L is taken from the first sequence.
func (b SequenceBatch) Size() (int, int) {
	if len(b.Sequences) == 0 {
		return 0, 0
	}
	return len(b.Sequences), len(b.Sequences[0])
}

// At slices time step t across the batch. Sequences must be rectangular.
func (b SequenceBatch) At(t int) StepBatch {
	size := len(b.Sequences)
	first := b.Sequences[0][t]
	out := StepBatch{
		Obs:     mat.NewDense(size, len(first.Obs), nil),
		Action:  mat.NewDense(size, len(first.Action), nil),
		Reward:  mat.NewDense(size, 1, nil),
		Cont:    mat.NewDense(size, 1, nil),
		IsFirst: make([]bool, size),
	}
	for i, seq := range b.Sequences {
		tr := seq[t]
		out.Obs.SetRow(i, tr.Obs)
		out.Action.SetRow(i, tr.Action)
		out.Reward.Set(i, 0, tr.Reward)
		out.Cont.Set(i, 0, tr.Cont)
		out.IsFirst[i] = tr.IsFirst
	}
	return out
}
