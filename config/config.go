package config

import (
	"path/filepath"

	coretypes "github.com/projecteru2/core/types"
)

// Disk geometry constants shared by streaming and size computation.
const (
	SectorSize     = 512
	MBRSizeSectors = 63
	MBRSizeBytes   = MBRSizeSectors * SectorSize
)

// Backend names accepted in ImageBackend.
const (
	BackendCatalog     = "catalog"
	BackendObjectstore = "objectstore"
)

// Config holds all vdisk tunables. Everything here used to be ambient
// process state in older deployments; components receive the struct at
// construction instead.
type Config struct {
	// Endpoint is the control-API URL ("https://host"). Ignored when
	// Socket is set. Env: VDISK_ENDPOINT.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	// Socket is the local xapi Unix socket path; preferred when running
	// inside the control domain. Env: VDISK_SOCKET.
	Socket string `json:"socket" mapstructure:"socket"`
	// Username and Password authenticate the control-API session.
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`

	// ImageBackend selects the fetch strategy: "catalog" or "objectstore".
	// Default: catalog.
	ImageBackend string `json:"image_backend" mapstructure:"image_backend"`
	// CatalogEndpoint is the image catalog base URL. Env: VDISK_CATALOG_ENDPOINT.
	CatalogEndpoint string `json:"catalog_endpoint" mapstructure:"catalog_endpoint"`
	// ObjectstoreHost/Port locate the legacy objectstore service.
	ObjectstoreHost string `json:"objectstore_host" mapstructure:"objectstore_host"`
	ObjectstorePort int    `json:"objectstore_port" mapstructure:"objectstore_port"`
	// ObjectstoreAccessKey/SecretKey are the credentials the objectstore
	// fetch plugin presents.
	ObjectstoreAccessKey string `json:"objectstore_access_key" mapstructure:"objectstore_access_key"`
	ObjectstoreSecretKey string `json:"objectstore_secret_key" mapstructure:"objectstore_secret_key"`

	// DefaultOSType is assumed when an image carries no OS tag. Default: linux.
	DefaultOSType string `json:"default_os_type" mapstructure:"default_os_type"`

	// DeviceCreationTimeout is how many 1-second polls to wait for a
	// plugged block device node to appear. Default: 10.
	DeviceCreationTimeout int `json:"device_creation_timeout" mapstructure:"device_creation_timeout"`
	// DevDir is where device nodes appear. Default: /dev.
	DevDir string `json:"dev_dir" mapstructure:"dev_dir"`

	// RemapDevices enables the device-name prefix substitution that
	// corrects for guest kernels renaming xvd* devices. Default: false.
	RemapDevices bool `json:"remap_devices" mapstructure:"remap_devices"`
	// RemapDevicePrefix replaces the "xvd" prefix when RemapDevices is
	// set. Default: "sd".
	RemapDevicePrefix string `json:"remap_device_prefix" mapstructure:"remap_device_prefix"`

	// UnplugRetryMaxAttempts caps the detach-rejected retry loop; beyond
	// it the attachment is reported stuck instead of retrying forever.
	// Default: 30.
	UnplugRetryMaxAttempts int `json:"unplug_retry_max_attempts" mapstructure:"unplug_retry_max_attempts"`

	// CoalescePollIntervalSeconds is the pause between coalesce polls.
	// Default: 5.
	CoalescePollIntervalSeconds int `json:"coalesce_poll_interval_seconds" mapstructure:"coalesce_poll_interval_seconds"`
	// CoalesceMaxAttempts bounds the coalesce wait. Default: 5.
	CoalesceMaxAttempts int `json:"coalesce_max_attempts" mapstructure:"coalesce_max_attempts"`

	// MaxKernelRamdiskSize is the largest kernel/ramdisk artifact
	// accepted, in bytes. Default: 16 MiB.
	MaxKernelRamdiskSize int64 `json:"max_kernel_ramdisk_size" mapstructure:"max_kernel_ramdisk_size"`
	// KernelDir is where kernel/ramdisk files are materialized on the
	// control domain. Default: /boot/guest.
	KernelDir string `json:"kernel_dir" mapstructure:"kernel_dir"`
	// LockDir holds flock files guarding KernelDir writes.
	// Default: /var/lock/vdisk.
	LockDir string `json:"lock_dir" mapstructure:"lock_dir"`

	// SRBasePath is where storage repositories are mounted on the control
	// domain. Default: /var/run/sr-mount.
	SRBasePath string `json:"sr_base_path" mapstructure:"sr_base_path"`

	// HypervisorUUIDPath is where the running domain's uuid is published.
	// Default: /sys/hypervisor/uuid.
	HypervisorUUIDPath string `json:"hypervisor_uuid_path" mapstructure:"hypervisor_uuid_path"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config populated with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ImageBackend:                BackendCatalog,
		DefaultOSType:               "linux",
		DeviceCreationTimeout:       10,
		DevDir:                      "/dev",
		RemapDevicePrefix:           "sd",
		UnplugRetryMaxAttempts:      30,
		CoalescePollIntervalSeconds: 5,
		CoalesceMaxAttempts:         5,
		MaxKernelRamdiskSize:        16 * 1024 * 1024,
		KernelDir:                   "/boot/guest",
		LockDir:                     "/var/lock/vdisk",
		SRBasePath:                  "/var/run/sr-mount",
		HypervisorUUIDPath:          "/sys/hypervisor/uuid",
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// SRPath returns the on-disk path of a storage repository by uuid.
func (c *Config) SRPath(srUUID string) string {
	return filepath.Join(c.SRBasePath, srUUID)
}

// DevicePath returns the device node path for an assigned device name.
func (c *Config) DevicePath(dev string) string {
	return filepath.Join(c.DevDir, dev)
}

// KernelLockPath returns the flock file guarding kernel-dir writes.
func (c *Config) KernelLockPath() string {
	return filepath.Join(c.LockDir, "kernel-dir.lock")
}
