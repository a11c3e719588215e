package table

import (
	"time"

	"github.com/johnjamespj/kstore/pkg/checkpoint"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Compression used for records this table appends.
	Compression codec.Compression

	// FailOnDecodeError makes an undecodable record fatal instead of
	// skipping it.
	FailOnDecodeError bool

	// RetryBudget is the number of retries of a failing log call before
	// ErrTransportUnavailable is surfaced.
	RetryBudget          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Checkpoints is optional. When set, catch-up starts from the stored
	// snapshot and the applier saves one every CheckpointInterval.
	Checkpoints        checkpoint.Store
	CheckpointInterval time.Duration
	CheckpointOnClose  bool

	// LagInterval is how often the lag gauge is refreshed. Zero disables it.
	LagInterval time.Duration

	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Compression:          codec.SnappyCompression,
		RetryBudget:          8,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		CheckpointInterval:   time.Minute,
		CheckpointOnClose:    true,
		LagInterval:          10 * time.Second,
		Logger:               log.Logger.With().Str("component", "table").Logger(),
	}
}
