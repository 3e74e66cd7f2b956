package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.VMType != "11" {
		t.Errorf("VMType = %q, want %q", cfg.VMType, "11")
	}
	if cfg.PortRangeStart != 8000 || cfg.PortRangeEnd != 9000 {
		t.Errorf("port range = [%d, %d), want [8000, 9000)", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.HotSpareCount != 2 {
		t.Errorf("HotSpareCount = %d, want 2", cfg.HotSpareCount)
	}
	if cfg.GoldenImagesPath != filepath.Join(cfg.DataPath, "golden_images") {
		t.Errorf("GoldenImagesPath = %q, not under data dir", cfg.GoldenImagesPath)
	}
	if cfg.StopTimeoutSec != 120 {
		t.Errorf("StopTimeoutSec = %d, want 120", cfg.StopTimeoutSec)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("VAPIORC_STORAGE_PATH", "/tmp/vapiorc-test")
	t.Setenv("VAPIORC_PORT_START", "9100")
	t.Setenv("VAPIORC_PORT_END", "9200")
	t.Setenv("VAPIORC_HOT_SPARES", "0")
	t.Setenv("DATABASE_URL", "postgres://vapiorc@db/vapiorcdb")

	cfg := FromEnv()

	if cfg.StoragePath != "/tmp/vapiorc-test" {
		t.Errorf("StoragePath = %q, want /tmp/vapiorc-test", cfg.StoragePath)
	}
	if cfg.InstancesPath != "/tmp/vapiorc-test/data/instances" {
		t.Errorf("InstancesPath = %q, want /tmp/vapiorc-test/data/instances", cfg.InstancesPath)
	}
	if cfg.PortRangeStart != 9100 || cfg.PortRangeEnd != 9200 {
		t.Errorf("port range = [%d, %d), want [9100, 9200)", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.HotSpareCount != 0 {
		t.Errorf("HotSpareCount = %d, want 0", cfg.HotSpareCount)
	}
	if cfg.DatabaseURL != "postgres://vapiorc@db/vapiorcdb" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestFromEnv_BadIntFallsBack(t *testing.T) {
	t.Setenv("VAPIORC_PORT_START", "not-a-number")

	cfg := FromEnv()
	if cfg.PortRangeStart != 8000 {
		t.Errorf("PortRangeStart = %d, want default 8000", cfg.PortRangeStart)
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("VAPIORC_STORAGE_PATH", t.TempDir())

	cfg := FromEnv()
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	for _, d := range []string{cfg.DataPath, cfg.GoldenImagesPath, cfg.InstancesPath, cfg.OEMPath} {
		if _, err := os.Stat(d); err != nil {
			t.Errorf("dir %s not created: %v", d, err)
		}
	}
}
