package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/types"
	"github.com/xenstack/vdisk/xenapi"
)

// CreateVDI creates a virtual disk of virtualSize bytes in the repository
// and returns its ref.
func CreateVDI(ctx context.Context, sess xenapi.Session, srRef, nameLabel string, virtualSize int64, readOnly bool) (string, error) {
	rec := map[string]any{
		"name_label":       nameLabel,
		"name_description": "",
		"SR":               srRef,
		"virtual_size":     strconv.FormatInt(virtualSize, 10),
		"type":             "User",
		"sharable":         false,
		"read_only":        readOnly,
		"xenstore_data":    map[string]string{},
		"other_config":     map[string]string{},
		"sm_config":        map[string]string{},
		"tags":             []string{},
	}
	result, err := sess.Call(ctx, "VDI.create", rec)
	if err != nil {
		return "", fmt.Errorf("create VDI %q (%d bytes) on %s: %w", nameLabel, virtualSize, srRef, err)
	}
	ref, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("create VDI %q: unexpected ref %T", nameLabel, result)
	}
	log.WithFunc("storage.CreateVDI").Debugf(ctx, "created VDI %s (%s, %d, ro=%v) on %s", ref, nameLabel, virtualSize, readOnly, srRef)
	return ref, nil
}

// GetVDIUUID reads the uuid of a VDI ref.
func GetVDIUUID(ctx context.Context, sess xenapi.Session, vdiRef string) (string, error) {
	result, err := sess.Call(ctx, "VDI.get_uuid", vdiRef)
	if err != nil {
		return "", fmt.Errorf("read uuid of VDI %s: %w", vdiRef, err)
	}
	uuid, _ := result.(string)
	return uuid, nil
}

// GetVDIByUUID resolves a VDI uuid to a ref.
func GetVDIByUUID(ctx context.Context, sess xenapi.Session, uuid string) (string, error) {
	result, err := sess.Call(ctx, "VDI.get_by_uuid", uuid)
	if err != nil {
		return "", fmt.Errorf("resolve VDI %s: %w", uuid, err)
	}
	ref, _ := result.(string)
	return ref, nil
}

// GetVDIRecord reads the record of a VDI ref.
func GetVDIRecord(ctx context.Context, sess xenapi.Session, vdiRef string) (*types.VDIRecord, error) {
	result, err := sess.Call(ctx, "VDI.get_record", vdiRef)
	if err != nil {
		return nil, fmt.Errorf("read VDI %s: %w", vdiRef, err)
	}
	var rec types.VDIRecord
	if err := xenapi.DecodeRecord(result, &rec); err != nil {
		return nil, fmt.Errorf("VDI %s: %w", vdiRef, err)
	}
	return &rec, nil
}

// SetVDINameLabel relabels a VDI for diagnostics.
func SetVDINameLabel(ctx context.Context, sess xenapi.Session, vdiRef, nameLabel string) error {
	if _, err := sess.Call(ctx, "VDI.set_name_label", vdiRef, nameLabel); err != nil {
		return fmt.Errorf("relabel VDI %s: %w", vdiRef, err)
	}
	return nil
}

// DestroyVDI destroys a VDI and waits for the task.
func DestroyVDI(ctx context.Context, sess xenapi.Session, vdiRef string) error {
	task, err := sess.CallAsync(ctx, "VDI.destroy", vdiRef)
	if err != nil {
		return fmt.Errorf("destroy VDI %s: %w", vdiRef, err)
	}
	if _, err := sess.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("destroy VDI %s: %w", vdiRef, err)
	}
	return nil
}

// DestroyVDIs destroys each VDI best-effort; failures are logged and the
// remaining disks are still attempted.
func DestroyVDIs(ctx context.Context, sess xenapi.Session, vdiRefs []string) {
	logger := log.WithFunc("storage.DestroyVDIs")
	for _, ref := range vdiRefs {
		if err := DestroyVDI(ctx, sess, ref); err != nil {
			logger.Warnf(ctx, "%v", err)
		}
	}
}

// VHDParentUUID returns the uuid of the VDI's VHD parent, or "" for a
// root disk.
func VHDParentUUID(ctx context.Context, sess xenapi.Session, vdiRef string) (string, error) {
	rec, err := GetVDIRecord(ctx, sess, vdiRef)
	if err != nil {
		return "", err
	}
	parent := rec.VHDParent()
	if parent != "" {
		log.WithFunc("storage.VHDParentUUID").Debugf(ctx, "VHD %s has parent %s", rec.UUID, parent)
	}
	return parent, nil
}
