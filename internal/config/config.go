package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds vapiorcd runtime configuration.
type Config struct {
	// ListenAddr is the address the HTTP control plane listens on.
	ListenAddr string

	// DatabaseURL selects the repository backend. A postgres:// URL uses
	// PostgreSQL; anything else is treated as a SQLite file path.
	DatabaseURL string

	// RedisURL enables the Redis MAC-resolution cache when non-empty.
	RedisURL string

	// StoragePath is the root of the shared workspace volume.
	StoragePath string

	// DataPath is StoragePath/data; golden image and instance workspaces
	// live underneath it.
	DataPath string

	// GoldenImagesPath holds installer workspaces and vm_type templates.
	GoldenImagesPath string

	// InstancesPath holds per-instance workspaces cloned from templates.
	InstancesPath string

	// OEMPath is mounted into every guest at /oem and carries the in-guest
	// install and readiness-reporter scripts.
	OEMPath string

	// DockerNetwork is the container network VMs are attached to.
	DockerNetwork string

	// VMImage is the container image hosting the KVM guest.
	VMImage string

	// PortRangeStart and PortRangeEnd bound the half-open port allocation
	// range [start, end).
	PortRangeStart int
	PortRangeEnd   int

	// HotSpareCount is the replenisher target; 0 disables replenishment.
	HotSpareCount int

	// VMType is the default guest OS tag.
	VMType string

	// HostIP is the address guests use to reach the control plane and the
	// address embedded in console URLs handed to callers.
	HostIP string

	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string

	// StopTimeoutSec is passed to the container engine so Windows guests
	// can shut down gracefully.
	StopTimeoutSec int

	// MACPollInterval and MACPollAttempts bound the guest MAC probe loop
	// after a container launch.
	MACPollInterval time.Duration
	MACPollAttempts int

	// SpareCreateDelay is the cooperative pause between hot-spare creations
	// within one replenisher tick.
	SpareCreateDelay time.Duration
}

// FromEnv builds a Config from environment variables, falling back to
// defaults suitable for a single-host deployment.
func FromEnv() *Config {
	storage := envStr("VAPIORC_STORAGE_PATH", "/var/lib/vapiorc")
	data := filepath.Join(storage, "data")

	return &Config{
		ListenAddr:       envStr("VAPIORC_LISTEN", ":8080"),
		DatabaseURL:      envStr("DATABASE_URL", filepath.Join(data, "vapiorc.db")),
		RedisURL:         os.Getenv("REDIS_URL"),
		StoragePath:      storage,
		DataPath:         data,
		GoldenImagesPath: filepath.Join(data, "golden_images"),
		InstancesPath:    filepath.Join(data, "instances"),
		OEMPath:          envStr("VAPIORC_OEM_PATH", filepath.Join(storage, "oem")),
		DockerNetwork:    envStr("VAPIORC_NETWORK", "vapiorc_vapiorc_network"),
		VMImage:          envStr("VAPIORC_VM_IMAGE", "dockurr/windows"),
		PortRangeStart:   envInt("VAPIORC_PORT_START", 8000),
		PortRangeEnd:     envInt("VAPIORC_PORT_END", 9000),
		HotSpareCount:    envInt("VAPIORC_HOT_SPARES", 2),
		VMType:           envStr("VAPIORC_VM_TYPE", "11"),
		HostIP:           envStr("VAPIORC_HOST_IP", "127.0.0.1"),
		LogLevel:         envStr("VAPIORC_LOG_LEVEL", "info"),
		StopTimeoutSec:   120,
		MACPollInterval:  time.Second,
		MACPollAttempts:  60,
		SpareCreateDelay: 2 * time.Second,
	}
}

// EnsureDirs creates the workspace layout directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataPath,
		c.GoldenImagesPath,
		c.InstancesPath,
		c.OEMPath,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
