package buffer

// Transition is one environment step. Action is the action that led into
// Obs and is all zeros when IsFirst is set; Cont is 1 - terminal.
type Transition struct {
	Obs     []float64 `json:"obs"`
	Action  []float64 `json:"action"`
	Reward  float64   `json:"reward"`
	Cont    float64   `json:"cont"`
	IsFirst bool      `json:"is_first"`
}

type Episode struct {
	ID          string       `json:"id"`
	WorkerID    string       `json:"worker_id"`
	Transitions []Transition `json:"transitions"`
	Return      float64      `json:"return"`
	CreatedAtMs int64        `json:"created_at_ms"`
}

type EnqueueRequest struct {
	BatchSentAtMs int64     `json:"batch_sent_at_ms"`
	Episodes      []Episode `json:"episodes"`
}

type SampleResponse struct {
	Batch SequenceBatch `json:"batch"`
}

type Stats struct {
	Episodes    int     `json:"episodes"`
	Transitions int     `json:"transitions"`
	Capacity    int     `json:"capacity"`
	Policy      Policy  `json:"policy"`
	Added       int     `json:"added"`
	Evicted     int     `json:"evicted"`
	MeanReturn  float64 `json:"mean_return"`
	MaxReturn   float64 `json:"max_return"`
}
