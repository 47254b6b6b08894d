package trainer

import (
	"fmt"

	"distributed-dreamer-rl/internal/nn"
)

type Config struct {
	BatchSize int   `env:"BATCH_SIZE"`
	SeqLen    int   `env:"SEQ_LEN"`
	Horizon   int   `env:"HORIZON"`
	Seed      int64 `env:"SEED"`

	WorldOpt  nn.AdamConfig `envPrefix:"WM_OPT_"`
	ActorOpt  nn.AdamConfig `envPrefix:"ACTOR_OPT_"`
	CriticOpt nn.AdamConfig `envPrefix:"CRITIC_OPT_"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize: 16,
		SeqLen:    64,
		Horizon:   15,
		Seed:      1,
		WorldOpt:  nn.DefaultAdam(3e-4),
		ActorOpt:  nn.DefaultAdam(8e-5),
		CriticOpt: nn.DefaultAdam(8e-5),
	}
}

func (c Config) validate() error {
	if c.BatchSize <= 0 || c.SeqLen <= 0 || c.Horizon <= 0 {
		return fmt.Errorf("trainer: batch=%d seq_len=%d horizon=%d must be positive", c.BatchSize, c.SeqLen, c.Horizon)
	}
	for name, opt := range map[string]nn.AdamConfig{"world": c.WorldOpt, "actor": c.ActorOpt, "critic": c.CriticOpt} {
		if opt.LR <= 0 {
			return fmt.Errorf("trainer: %s learning rate must be positive", name)
		}
	}
	return nil
}
