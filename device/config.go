package device

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/checkpoint"
)

// Config holds the settings of a device that aren't stored in its superblock.
type Config struct {
	// CheckpointIntervalMs is the time between periodic checkpoints. 0
	// disables them.
	CheckpointIntervalMs uint32 `yaml:"checkpoint_interval_ms"`
	// FastAlgorithm tracks the completed and permanent watermarks separately.
	FastAlgorithm bool `yaml:"fast_algorithm"`

	// Only used by Format. Existing devices take these from the superblock.
	SnapshotMetadataBlocks uint32 `yaml:"snapshot_metadata_blocks"`
	PhysicalBlockSize      uint32 `yaml:"physical_block_size"`
	LogicalBlockSize       uint32 `yaml:"logical_block_size"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		CheckpointIntervalMs:   checkpoint.DefaultIntervalMs,
		FastAlgorithm:          false,
		SnapshotMetadataBlocks: 4,
		PhysicalBlockSize:      512,
		LogicalBlockSize:       512,
	}
}

// Validate checks the config for values that can never work.
func (cfg *Config) Validate() error {
	if cfg.CheckpointIntervalMs > checkpoint.MaxIntervalMs {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"checkpoint_interval_ms is %d, max is %d",
				cfg.CheckpointIntervalMs,
				checkpoint.MaxIntervalMs))
	}
	if cfg.SnapshotMetadataBlocks == 0 {
		return walb.ErrInvalidArgument.WithMessage("snapshot_metadata_blocks can't be 0")
	}
	if cfg.LogicalBlockSize == 0 || cfg.LogicalBlockSize%512 != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("logical_block_size %d isn't a multiple of 512", cfg.LogicalBlockSize))
	}
	if cfg.PhysicalBlockSize < cfg.LogicalBlockSize ||
		cfg.PhysicalBlockSize%cfg.LogicalBlockSize != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"physical_block_size %d isn't a multiple of logical_block_size %d",
				cfg.PhysicalBlockSize,
				cfg.LogicalBlockSize))
	}
	return nil
}

// ParseConfig reads a YAML config. Missing keys keep their default values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, walb.ErrInvalidArgument.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, walb.ErrIOFailed.Wrap(err)
	}
	return ParseConfig(data)
}
