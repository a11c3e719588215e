package config

import (
	"os"

	"github.com/johnjamespj/kstore/pkg/checkpoint"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/replog/filelog"
	"github.com/johnjamespj/kstore/pkg/replog/kafkalog"
	"github.com/johnjamespj/kstore/pkg/replog/memlog"
	"github.com/johnjamespj/kstore/pkg/schema"
	"github.com/johnjamespj/kstore/pkg/table"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendKafka   = "kafka"
	BackendNone    = "none"
	BackendLevelDB = "leveldb"
)

// Schema returns the identity of the table in [table].
func (f *File) Schema() (schema.Value, error) {
	r := &reader{f: f}
	v := schema.Value{
		TableName: r.string("table", "name", ""),
		Epoch:     r.int("table", "epoch", 0),
		Version:   r.int("table", "version", 0),
	}
	if r.err != nil {
		return schema.Value{}, r.err
	}
	return v, v.Validate()
}

// Table overlays [table] on table.DefaultConfig. Checkpoints are not
// opened here; see OpenCheckpoints.
func (f *File) Table(logger zerolog.Logger) (table.Config, error) {
	cfg := table.DefaultConfig()
	cfg.Logger = logger.With().Str("component", "table").Logger()

	r := &reader{f: f}
	compression := r.string("table", "compression", cfg.Compression.String())
	cfg.FailOnDecodeError = r.bool("table", "fail_on_decode_error", cfg.FailOnDecodeError)
	cfg.RetryBudget = r.int("table", "retry_budget", cfg.RetryBudget)
	cfg.RetryInitialInterval = r.duration("table", "retry_initial_interval", cfg.RetryInitialInterval)
	cfg.RetryMaxInterval = r.duration("table", "retry_max_interval", cfg.RetryMaxInterval)
	cfg.CheckpointInterval = r.duration("checkpoint", "interval", cfg.CheckpointInterval)
	cfg.CheckpointOnClose = r.bool("checkpoint", "on_close", cfg.CheckpointOnClose)
	cfg.LagInterval = r.duration("table", "lag_interval", cfg.LagInterval)
	if r.err != nil {
		return table.Config{}, r.err
	}

	var ok bool
	if cfg.Compression, ok = codec.ParseCompression(compression); !ok {
		return table.Config{}, errors.NotValidf("[table] compression = %q", compression)
	}
	return cfg, nil
}

// Logger builds the process logger from [log] level and console.
func (f *File) Logger() (zerolog.Logger, error) {
	r := &reader{f: f}
	levelName := r.string("log", "level", "info")
	console := r.bool("log", "console", true)
	if r.err != nil {
		return zerolog.Nop(), r.err
	}

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), errors.NotValidf("[log] level = %q", levelName)
	}

	var logger zerolog.Logger
	if console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func (f *File) FileLog(logger zerolog.Logger) (filelog.Config, error) {
	r := &reader{f: f}
	cfg := filelog.DefaultConfig(r.string("filelog", "dir", "kstore-log"))
	cfg.Logger = logger.With().Str("component", "filelog").Logger()
	cfg.SegmentRecords = r.int("filelog", "segment_records", cfg.SegmentRecords)
	cfg.OpenSegments = r.int("filelog", "open_segments", cfg.OpenSegments)
	cfg.SyncWrites = r.bool("filelog", "sync_writes", cfg.SyncWrites)
	return cfg, r.err
}

func (f *File) Kafka(logger zerolog.Logger) (kafkalog.Config, error) {
	r := &reader{f: f}
	cfg := kafkalog.DefaultConfig(r.list("kafka", "brokers", []string{"localhost:9092"})...)
	cfg.Logger = logger.With().Str("component", "kafkalog").Logger()
	cfg.Group = r.string("kafka", "group", cfg.Group)
	cfg.ReplicationFactor = r.int("kafka", "replication_factor", cfg.ReplicationFactor)
	cfg.Timeout = r.duration("kafka", "timeout", cfg.Timeout)
	cfg.MaxFetchBytes = r.int("kafka", "max_fetch_bytes", cfg.MaxFetchBytes)
	cfg.IdleTimeout = r.duration("kafka", "idle_timeout", cfg.IdleTimeout)
	return cfg, r.err
}

// OpenLog opens the log selected by [log] backend.
func (f *File) OpenLog(logger zerolog.Logger) (replog.Log, error) {
	backend, err := f.String("log", "backend", BackendFile)
	if err != nil {
		return nil, err
	}

	switch backend {
	case BackendMemory:
		return memlog.New(), nil
	case BackendFile:
		cfg, err := f.FileLog(logger)
		if err != nil {
			return nil, err
		}
		return filelog.Open(cfg)
	case BackendKafka:
		cfg, err := f.Kafka(logger)
		if err != nil {
			return nil, err
		}
		return kafkalog.Open(cfg)
	default:
		return nil, errors.NotSupportedf("[log] backend %q", backend)
	}
}

// OpenCheckpoints opens the store selected by [checkpoint] backend, or
// returns nil for none.
func (f *File) OpenCheckpoints() (checkpoint.Store, error) {
	r := &reader{f: f}
	backend := r.string("checkpoint", "backend", BackendNone)
	dir := r.string("checkpoint", "dir", "kstore-checkpoints")
	compressionName := r.string("checkpoint", "compression", codec.Lz4Compression.String())
	if r.err != nil {
		return nil, r.err
	}

	compression, ok := codec.ParseCompression(compressionName)
	if !ok {
		return nil, errors.NotValidf("[checkpoint] compression = %q", compressionName)
	}

	switch backend {
	case BackendNone:
		return nil, nil
	case BackendFile:
		return checkpoint.NewFileStore(dir, compression)
	case BackendLevelDB:
		return checkpoint.OpenLevelDB(dir, compression)
	default:
		return nil, errors.NotSupportedf("[checkpoint] backend %q", backend)
	}
}
