package journal

import (
	"fmt"
	"time"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultQueueSize             = 1024
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
	fileSuffix                   = ".jrn"
)

// Config controls journal writer behavior.
type Config struct {
	Dir             string
	FilePrefix      string
	SegmentMaxBytes int64
	// SegmentMaxAge rotates segments by wall clock; zero keeps one segment
	// until it reaches SegmentMaxBytes.
	SegmentMaxAge time.Duration
	QueueSize     int
	BufferSize    int
	FlushInterval time.Duration
	// SyncEveryRecord fsyncs after each record. Live runs turn this on so a
	// tick record is durable before the next tick starts.
	SyncEveryRecord bool
}

// DefaultConfig returns a baseline configuration for a journal directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		QueueSize:       defaultQueueSize,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid journal config: Dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		return fmt.Errorf("invalid journal config: SegmentMaxBytes must be > 0")
	}
	if c.SegmentMaxAge < 0 {
		return fmt.Errorf("invalid journal config: SegmentMaxAge must be >= 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid journal config: QueueSize must be > 0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid journal config: BufferSize must be > 0")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("invalid journal config: FlushInterval must be >= 0")
	}
	return nil
}
