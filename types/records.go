package types

// VDIRecord mirrors the fields of a storage-backend VDI record that the
// engine reads. The record is owned by the backend; the engine only ever
// references a VDI by ref or uuid.
type VDIRecord struct {
	UUID        string            `json:"uuid"`
	SR          string            `json:"SR"`
	VirtualSize int64             `json:"virtual_size,string"`
	ReadOnly    bool              `json:"read_only"`
	NameLabel   string            `json:"name_label"`
	SMConfig    map[string]string `json:"sm_config"`
}

// VHDParent returns the uuid of the VHD parent recorded by the storage
// manager, or "" for a root (non-differencing) disk.
func (r *VDIRecord) VHDParent() string {
	if r.SMConfig == nil {
		return ""
	}
	return r.SMConfig["vhd-parent"]
}

// VBDRecord mirrors a block-device attachment record.
type VBDRecord struct {
	VM         string `json:"VM"`
	VDI        string `json:"VDI"`
	Userdevice string `json:"userdevice"`
	Bootable   bool   `json:"bootable"`
	Mode       string `json:"mode"` // "RO" or "RW"
}

// PowerState is the normalized guest power state.
type PowerState string

const (
	PowerStateShutdown  PowerState = "shutdown"
	PowerStateRunning   PowerState = "running"
	PowerStatePaused    PowerState = "paused"
	PowerStateSuspended PowerState = "suspended"
	PowerStateCrashed   PowerState = "crashed"
	PowerStateUnknown   PowerState = "unknown"
)

// hypervisor power-state label -> normalized state.
var powerStates = map[string]PowerState{
	"Halted":    PowerStateShutdown,
	"Running":   PowerStateRunning,
	"Paused":    PowerStatePaused,
	"Suspended": PowerStateSuspended,
	"Crashed":   PowerStateCrashed,
}

// ParsePowerState maps a hypervisor power-state label to the normalized
// state, defaulting to PowerStateUnknown.
func ParsePowerState(s string) PowerState {
	if st, ok := powerStates[s]; ok {
		return st
	}
	return PowerStateUnknown
}

// VMInfo is the digest of a VM record exposed to callers.
type VMInfo struct {
	State     PowerState `json:"state"`
	MaxMemKiB int64      `json:"max_mem"`
	MemKiB    int64      `json:"mem"`
	NumCPU    int        `json:"num_cpu"`
}
