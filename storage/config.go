package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// Config holds the configuration knobs from spec §6 plus the sensor
// descriptor table from the same section. Zero values are replaced by
// DefaultConfig's defaults in Validate.
type Config struct {
	GatewayID uint64 `yaml:"gateway_id"`

	Sensors []types.SensorDescriptor `yaml:"sensors"`

	PoolSectorCount        int     `yaml:"pool_sector_count"`
	SectorSizeBytes        int     `yaml:"sector_size_bytes"`
	SoftFillThreshold      float64 `yaml:"soft_fill_threshold"`
	HardFillThreshold      float64 `yaml:"hard_fill_threshold"`
	DrainFillThreshold     float64 `yaml:"drain_fill_threshold"`
	PerSensorMaxSectors    int     `yaml:"per_sensor_max_sectors"`
	DiskBudgetBytes        int64   `yaml:"disk_budget_bytes"`
	UploadPacketBudgetBytes int    `yaml:"upload_packet_budget_bytes"`
	UploadRequestTimeoutMs int     `yaml:"upload_request_timeout_ms"`
	RetryBudgetPerSensor   int     `yaml:"retry_budget_per_sensor"`
	SpoolDir               string  `yaml:"spool_dir"`
	QuarantineDir           string `yaml:"quarantine_dir"`
	MinRAMResidencySectors int     `yaml:"min_ram_residency_sectors"`
}

// DefaultConfig returns the defaults named throughout spec §4 and §6.
func DefaultConfig() Config {
	return Config{
		PoolSectorCount:         512,
		SectorSizeBytes:         256,
		SoftFillThreshold:       0.70,
		HardFillThreshold:       0.80,
		DrainFillThreshold:      0.60,
		PerSensorMaxSectors:     256,
		DiskBudgetBytes:         256 * 1024 * 1024,
		UploadPacketBudgetBytes: 4096,
		UploadRequestTimeoutMs:  5000,
		RetryBudgetPerSensor:    5,
		SpoolDir:                "spool",
		QuarantineDir:           "spool/quarantine",
		MinRAMResidencySectors:  1,
	}
}

// LoadConfig reads and validates a YAML config file at path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", types.ErrConfigInvalid, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s", types.ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants the engine needs to operate safely.
// Unset numeric fields are filled from DefaultConfig rather than rejected,
// matching the teacher's applyDefaultsAndValidate pattern.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.PoolSectorCount <= 0 {
		c.PoolSectorCount = d.PoolSectorCount
	}
	if c.SectorSizeBytes <= 0 {
		c.SectorSizeBytes = d.SectorSizeBytes
	}
	if c.SoftFillThreshold <= 0 {
		c.SoftFillThreshold = d.SoftFillThreshold
	}
	if c.HardFillThreshold <= 0 {
		c.HardFillThreshold = d.HardFillThreshold
	}
	if c.DrainFillThreshold <= 0 {
		c.DrainFillThreshold = d.DrainFillThreshold
	}
	if c.PerSensorMaxSectors <= 0 {
		c.PerSensorMaxSectors = d.PerSensorMaxSectors
	}
	if c.DiskBudgetBytes <= 0 {
		c.DiskBudgetBytes = d.DiskBudgetBytes
	}
	if c.UploadPacketBudgetBytes <= 0 {
		c.UploadPacketBudgetBytes = d.UploadPacketBudgetBytes
	}
	if c.UploadRequestTimeoutMs <= 0 {
		c.UploadRequestTimeoutMs = d.UploadRequestTimeoutMs
	}
	if c.RetryBudgetPerSensor <= 0 {
		c.RetryBudgetPerSensor = d.RetryBudgetPerSensor
	}
	if c.SpoolDir == "" {
		c.SpoolDir = d.SpoolDir
	}
	if c.QuarantineDir == "" {
		c.QuarantineDir = d.QuarantineDir
	}
	if c.MinRAMResidencySectors <= 0 {
		c.MinRAMResidencySectors = d.MinRAMResidencySectors
	}

	if c.SoftFillThreshold >= c.HardFillThreshold {
		return fmt.Errorf("%w: soft_fill_threshold must be < hard_fill_threshold", types.ErrConfigInvalid)
	}
	if c.DrainFillThreshold >= c.SoftFillThreshold {
		return fmt.Errorf("%w: drain_fill_threshold must be < soft_fill_threshold", types.ErrConfigInvalid)
	}
	seen := make(map[uint32]bool, len(c.Sensors))
	for _, s := range c.Sensors {
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate sensor id %d", types.ErrConfigInvalid, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
