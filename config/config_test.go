package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if conf.ImageBackend != BackendCatalog {
		t.Errorf("ImageBackend = %q, want catalog", conf.ImageBackend)
	}
	if conf.MaxKernelRamdiskSize != 16*1024*1024 {
		t.Errorf("MaxKernelRamdiskSize = %d", conf.MaxKernelRamdiskSize)
	}
	if conf.UnplugRetryMaxAttempts <= 0 {
		t.Error("unplug retry must be capped")
	}
	if conf.HypervisorUUIDPath != "/sys/hypervisor/uuid" {
		t.Errorf("HypervisorUUIDPath = %q", conf.HypervisorUUIDPath)
	}
}

func TestPaths(t *testing.T) {
	conf := DefaultConfig()
	if got := conf.SRPath("abc"); got != "/var/run/sr-mount/abc" {
		t.Errorf("SRPath = %q", got)
	}
	if got := conf.DevicePath("xvda"); got != "/dev/xvda" {
		t.Errorf("DevicePath = %q", got)
	}
	if got := conf.KernelLockPath(); got != "/var/lock/vdisk/kernel-dir.lock" {
		t.Errorf("KernelLockPath = %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	conf := DefaultConfig()
	conf.KernelDir = filepath.Join(base, "boot", "guest")
	conf.LockDir = filepath.Join(base, "lock")

	if err := conf.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{conf.KernelDir, conf.LockDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("dir %s not created: %v", dir, err)
		}
	}
}

func TestMBRGeometry(t *testing.T) {
	if MBRSizeBytes != 63*512 {
		t.Errorf("MBRSizeBytes = %d", MBRSizeBytes)
	}
}
