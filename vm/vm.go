// Package vm builds and inspects guest VM records. Records are created
// complete in one call; the attachment topology (VBDs) is layered on
// afterwards.
package vm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/types"
	"github.com/xenstack/vdisk/xenapi"
)

// ErrVBDNotFound reports that no attachment occupies the requested slot.
var ErrVBDNotFound = errors.New("no VBD at requested device number")

// ErrNoPrimaryVDI reports that a VM has no disk on the primary slot.
var ErrNoPrimaryVDI = errors.New("no primary VDI")

// AmbiguousNameError reports that a name label resolves to more than one
// VM, so it cannot be used as a handle.
type AmbiguousNameError struct {
	NameLabel string
	Count     int
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("name label %q matches %d VMs", e.NameLabel, e.Count)
}

// InstanceSpec is what the record builder needs to know about a guest.
type InstanceSpec struct {
	Name      string
	MemoryMiB int64
	VCPUs     int
	// KernelRef is the guest's image catalog kernel reference; when set
	// together with a paravirtual guest the kernel file is passed to the
	// hypervisor directly instead of going through pygrub.
	KernelRef string
}

// CreateVM creates a halted VM record and returns its ref. The guest
// boots one of three ways: paravirtual with an explicit kernel file,
// paravirtual with pygrub reading the kernel out of the image, or fully
// hardware-virtualized from the disk's own bootloader.
func CreateVM(ctx context.Context, sess xenapi.Session, spec *InstanceSpec, kernel, ramdisk string, usePVKernel bool) (string, error) {
	logger := log.WithFunc("vm.CreateVM")

	mem := strconv.FormatInt(spec.MemoryMiB*1024*1024, 10)
	vcpus := strconv.Itoa(spec.VCPUs)
	platform := map[string]string{
		"acpi":       "true",
		"apic":       "true",
		"pae":        "true",
		"viridian":   "true",
		"timeoffset": "0",
	}
	rec := map[string]any{
		"actions_after_crash":    "destroy",
		"actions_after_reboot":   "restart",
		"actions_after_shutdown": "destroy",
		"affinity":               "",
		"blocked_operations":     map[string]string{},
		"ha_always_run":          false,
		"ha_restart_priority":    "",
		"HVM_boot_params":        map[string]string{},
		"HVM_boot_policy":        "",
		"is_a_template":          false,
		"memory_dynamic_min":     mem,
		"memory_dynamic_max":     mem,
		"memory_static_min":      "0",
		"memory_static_max":      mem,
		"memory_target":          mem,
		"name_description":       "",
		"name_label":             spec.Name,
		"other_config":           map[string]string{},
		"PCI_bus":                "",
		"platform":               platform,
		"PV_args":                "",
		"PV_bootloader":          "",
		"PV_bootloader_args":     "",
		"PV_kernel":              "",
		"PV_legacy_args":         "",
		"PV_ramdisk":             "",
		"recommendations":        "",
		"tags":                   []string{},
		"user_version":           "0",
		"VCPUs_at_startup":       vcpus,
		"VCPUs_max":              vcpus,
		"VCPUs_params":           map[string]string{},
		"xenstore_data":          map[string]string{},
	}
	if usePVKernel {
		platform["nx"] = "false"
		if spec.KernelRef != "" {
			rec["PV_args"] = "root=/dev/xvda1"
			rec["PV_kernel"] = kernel
			rec["PV_ramdisk"] = ramdisk
		} else {
			rec["PV_bootloader"] = "pygrub"
		}
	} else {
		platform["nx"] = "true"
		rec["HVM_boot_params"] = map[string]string{"order": "dc"}
		rec["HVM_boot_policy"] = "BIOS order"
	}

	result, err := sess.Call(ctx, "VM.create", rec)
	if err != nil {
		return "", fmt.Errorf("create VM %s: %w", spec.Name, err)
	}
	vmRef, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("create VM %s: unexpected ref %T", spec.Name, result)
	}
	logger.Debugf(ctx, "created VM %s as %s", spec.Name, vmRef)
	return vmRef, nil
}

// CreateVBD creates a persistent read-write attachment of vdiRef to
// vmRef on the given device slot.
func CreateVBD(ctx context.Context, sess xenapi.Session, vmRef, vdiRef string, userdevice int, bootable bool) (string, error) {
	logger := log.WithFunc("vm.CreateVBD")

	rec := map[string]any{
		"VM":                       vmRef,
		"VDI":                      vdiRef,
		"userdevice":               strconv.Itoa(userdevice),
		"bootable":                 bootable,
		"mode":                     "RW",
		"type":                     "disk",
		"unpluggable":              true,
		"empty":                    false,
		"other_config":             map[string]string{},
		"qos_algorithm_type":       "",
		"qos_algorithm_params":     map[string]string{},
		"qos_supported_algorithms": []string{},
	}
	result, err := sess.Call(ctx, "VBD.create", rec)
	if err != nil {
		return "", fmt.Errorf("create VBD for VM %s, VDI %s: %w", vmRef, vdiRef, err)
	}
	vbdRef, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("create VBD for VM %s, VDI %s: unexpected ref %T", vmRef, vdiRef, result)
	}
	logger.Debugf(ctx, "created VBD %s for VM %s, VDI %s", vbdRef, vmRef, vdiRef)
	return vbdRef, nil
}

// FindVBDByNumber returns the attachment occupying the given device slot.
func FindVBDByNumber(ctx context.Context, sess xenapi.Session, vmRef string, number int) (string, error) {
	logger := log.WithFunc("vm.FindVBDByNumber")

	vbdRefs, err := vmVBDs(ctx, sess, vmRef)
	if err != nil {
		return "", err
	}
	want := strconv.Itoa(number)
	for _, vbdRef := range vbdRefs {
		rec, err := getVBDRecord(ctx, sess, vbdRef)
		if err != nil {
			logger.Warnf(ctx, "skipping unreadable VBD %s: %v", vbdRef, err)
			continue
		}
		if rec.Userdevice == want {
			return vbdRef, nil
		}
	}
	return "", fmt.Errorf("%w: VM %s device %d", ErrVBDNotFound, vmRef, number)
}

// Lookup resolves a VM by name label. A missing VM returns "" without
// error; a duplicated label is an error because the caller cannot tell
// the instances apart.
func Lookup(ctx context.Context, sess xenapi.Session, nameLabel string) (string, error) {
	result, err := sess.Call(ctx, "VM.get_by_name_label", nameLabel)
	if err != nil {
		return "", fmt.Errorf("look up VM %q: %w", nameLabel, err)
	}
	refs := toRefSlice(result)
	switch len(refs) {
	case 0:
		return "", nil
	case 1:
		return refs[0], nil
	default:
		return "", &AmbiguousNameError{NameLabel: nameLabel, Count: len(refs)}
	}
}

// LookupVDIs returns the refs of all disks still attached to the VM,
// skipping attachments whose disk is gone.
func LookupVDIs(ctx context.Context, sess xenapi.Session, vmRef string) ([]string, error) {
	logger := log.WithFunc("vm.LookupVDIs")

	vbdRefs, err := vmVBDs(ctx, sess, vmRef)
	if err != nil {
		return nil, err
	}
	var vdiRefs []string
	for _, vbdRef := range vbdRefs {
		result, err := sess.Call(ctx, "VBD.get_VDI", vbdRef)
		if err != nil {
			logger.Warnf(ctx, "skipping VBD %s without readable VDI: %v", vbdRef, err)
			continue
		}
		vdiRef, _ := result.(string)
		// Confirm the disk record still exists before reporting it.
		if _, err := sess.Call(ctx, "VDI.get_record", vdiRef); err != nil {
			logger.Warnf(ctx, "VDI %s of VBD %s is gone: %v", vdiRef, vbdRef, err)
			continue
		}
		vdiRefs = append(vdiRefs, vdiRef)
	}
	return vdiRefs, nil
}

// PrimaryVDI returns the ref and record of the VM's primary disk. By
// convention the primary disk occupies userdevice 0.
func PrimaryVDI(ctx context.Context, sess xenapi.Session, vmRef string) (string, *types.VDIRecord, error) {
	vbdRefs, err := vmVBDs(ctx, sess, vmRef)
	if err != nil {
		return "", nil, err
	}
	for _, vbdRef := range vbdRefs {
		rec, err := getVBDRecord(ctx, sess, vbdRef)
		if err != nil {
			return "", nil, err
		}
		if rec.Userdevice != "0" {
			continue
		}
		result, err := sess.Call(ctx, "VDI.get_record", rec.VDI)
		if err != nil {
			return "", nil, fmt.Errorf("read record of VDI %s: %w", rec.VDI, err)
		}
		var vdiRec types.VDIRecord
		if err := xenapi.DecodeRecord(result, &vdiRec); err != nil {
			return "", nil, fmt.Errorf("decode record of VDI %s: %w", rec.VDI, err)
		}
		return rec.VDI, &vdiRec, nil
	}
	return "", nil, fmt.Errorf("%w: VM %s", ErrNoPrimaryVDI, vmRef)
}

// KernelRamdisk returns the paravirtual kernel and ramdisk paths of the
// VM, or empty strings when the guest boots without them.
func KernelRamdisk(ctx context.Context, sess xenapi.Session, vmRef string) (string, string, error) {
	result, err := sess.Call(ctx, "VM.get_record", vmRef)
	if err != nil {
		return "", "", fmt.Errorf("read record of VM %s: %w", vmRef, err)
	}
	var rec struct {
		PVKernel  string `json:"PV_kernel"`
		PVRamdisk string `json:"PV_ramdisk"`
	}
	if err := xenapi.DecodeRecord(result, &rec); err != nil {
		return "", "", fmt.Errorf("decode record of VM %s: %w", vmRef, err)
	}
	return rec.PVKernel, rec.PVRamdisk, nil
}

// CompileInfo digests the VM record into the caller-facing status.
func CompileInfo(ctx context.Context, sess xenapi.Session, vmRef string) (*types.VMInfo, error) {
	result, err := sess.Call(ctx, "VM.get_record", vmRef)
	if err != nil {
		return nil, fmt.Errorf("read record of VM %s: %w", vmRef, err)
	}
	var rec struct {
		PowerState       string `json:"power_state"`
		MemoryStaticMax  int64  `json:"memory_static_max,string"`
		MemoryDynamicMax int64  `json:"memory_dynamic_max,string"`
		VCPUsMax         int    `json:"VCPUs_max,string"`
	}
	if err := xenapi.DecodeRecord(result, &rec); err != nil {
		return nil, fmt.Errorf("decode record of VM %s: %w", vmRef, err)
	}
	return &types.VMInfo{
		State:     types.ParsePowerState(rec.PowerState),
		MaxMemKiB: rec.MemoryStaticMax >> 10,
		MemKiB:    rec.MemoryDynamicMax >> 10,
		NumCPU:    rec.VCPUsMax,
	}, nil
}

// EnsureFreeMemory reports whether the host has enough free memory to
// start a guest of the given size.
func EnsureFreeMemory(ctx context.Context, sess xenapi.Session, memoryMiB int64) (bool, error) {
	host, err := sess.ThisHost(ctx)
	if err != nil {
		return false, err
	}
	result, err := sess.Call(ctx, "host.compute_free_memory", host)
	if err != nil {
		return false, fmt.Errorf("read free memory of host %s: %w", host, err)
	}
	free, err := toInt64(result)
	if err != nil {
		return false, fmt.Errorf("read free memory of host %s: %w", host, err)
	}
	return free >= memoryMiB*1024*1024, nil
}

func vmVBDs(ctx context.Context, sess xenapi.Session, vmRef string) ([]string, error) {
	result, err := sess.Call(ctx, "VM.get_VBDs", vmRef)
	if err != nil {
		return nil, fmt.Errorf("list VBDs of VM %s: %w", vmRef, err)
	}
	return toRefSlice(result), nil
}

func getVBDRecord(ctx context.Context, sess xenapi.Session, vbdRef string) (*types.VBDRecord, error) {
	result, err := sess.Call(ctx, "VBD.get_record", vbdRef)
	if err != nil {
		return nil, fmt.Errorf("read record of VBD %s: %w", vbdRef, err)
	}
	var rec types.VBDRecord
	if err := xenapi.DecodeRecord(result, &rec); err != nil {
		return nil, fmt.Errorf("decode record of VBD %s: %w", vbdRef, err)
	}
	return &rec, nil
}

func toRefSlice(result any) []string {
	items, ok := result.([]any)
	if !ok {
		if refs, ok := result.([]string); ok {
			return refs
		}
		return nil
	}
	refs := make([]string, 0, len(items))
	for _, item := range items {
		if ref, ok := item.(string); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func toInt64(result any) (int64, error) {
	switch v := result.(type) {
	case string:
		return strconv.ParseInt(v, 10, 64)
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected numeric result %T", result)
	}
}
