package vm

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/storage"
	"github.com/xenstack/vdisk/xenapi"
)

// SnapshotResult describes the artifacts of a snapshot: the template VM
// holding the snapshot, the uuid of the coalesced base image VHD, and
// the uuid of the snapshot's own leaf VDI.
type SnapshotResult struct {
	TemplateVMRef string
	ImageUUID     string
	SnapUUID      string
}

// Snapshot snapshots the VM's primary disk into a template VM and waits
// for the storage manager to coalesce the intermediate VHD node, so the
// resulting chain is at most two deep (base image plus snapshot leaf).
func Snapshot(ctx context.Context, sess xenapi.Session, conf *config.Config, vmRef, label string) (*SnapshotResult, error) {
	logger := log.WithFunc("vm.Snapshot")
	logger.Debugf(ctx, "snapshotting VM %s with label %q", vmRef, label)

	vdiRef, vdiRec, err := PrimaryVDI(ctx, sess, vmRef)
	if err != nil {
		return nil, err
	}
	srRef := vdiRec.SR

	// Record the parent before the snapshot; the leaf pointing back at
	// it is the signal that coalescing has finished.
	originalParent, err := storage.VHDParentUUID(ctx, sess, vdiRef)
	if err != nil {
		return nil, err
	}

	task, err := sess.CallAsync(ctx, "VM.snapshot", vmRef, label)
	if err != nil {
		return nil, fmt.Errorf("snapshot VM %s: %w", vmRef, err)
	}
	templateRef, err := sess.WaitForTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("snapshot VM %s: %w", vmRef, err)
	}
	logger.Debugf(ctx, "created snapshot %s from VM %s", templateRef, vmRef)

	_, templateVDIRec, err := PrimaryVDI(ctx, sess, templateRef)
	if err != nil {
		return nil, err
	}

	parentUUID, err := storage.WaitForCoalesce(ctx, sess, conf, srRef, vdiRef, originalParent)
	if err != nil {
		return nil, err
	}

	return &SnapshotResult{
		TemplateVMRef: templateRef,
		ImageUUID:     parentUUID,
		SnapUUID:      templateVDIRec.UUID,
	}, nil
}
