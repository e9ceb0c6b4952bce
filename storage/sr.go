// Package storage talks to the storage repository through the control
// API: repository discovery, VDI lifecycle, and the post-snapshot
// coalesce wait.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/xenapi"
)

// ErrSRNotFound reports that no local default storage repository exists
// on this host.
var ErrSRNotFound = errors.New("default storage repository not found")

// srRecord is the slice of an SR record the engine reads.
type srRecord struct {
	UUID        string            `json:"uuid"`
	OtherConfig map[string]string `json:"other_config"`
	PBDs        []string          `json:"PBDs"`
}

type pbdRecord struct {
	Host string `json:"host"`
}

// FindDefaultSR returns the ref of the local storage repository flagged
// as local-storage with a PBD on this host.
func FindDefaultSR(ctx context.Context, sess xenapi.Session) (string, error) {
	host, err := sess.ThisHost(ctx)
	if err != nil {
		return "", err
	}

	result, err := sess.Call(ctx, "SR.get_all")
	if err != nil {
		return "", fmt.Errorf("list SRs: %w", err)
	}
	srRefs, _ := result.([]any)
	for _, r := range srRefs {
		srRef, ok := r.(string)
		if !ok {
			continue
		}
		rec, err := getSRRecord(ctx, sess, srRef)
		if err != nil {
			return "", err
		}
		if rec.OtherConfig["i18n-key"] != "local-storage" {
			continue
		}
		for _, pbdRef := range rec.PBDs {
			pbdResult, err := sess.Call(ctx, "PBD.get_record", pbdRef)
			if err != nil {
				return "", fmt.Errorf("read PBD %s: %w", pbdRef, err)
			}
			var pbd pbdRecord
			if err := xenapi.DecodeRecord(pbdResult, &pbd); err != nil {
				return "", err
			}
			if pbd.Host == host {
				return srRef, nil
			}
		}
	}
	return "", ErrSRNotFound
}

func getSRRecord(ctx context.Context, sess xenapi.Session, srRef string) (*srRecord, error) {
	result, err := sess.Call(ctx, "SR.get_record", srRef)
	if err != nil {
		return nil, fmt.Errorf("read SR %s: %w", srRef, err)
	}
	var rec srRecord
	if err := xenapi.DecodeRecord(result, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SRPath returns the control-domain filesystem path of the repository,
// used when dealing with VHD files directly (snapshot export, VHD
// restore).
func SRPath(ctx context.Context, sess xenapi.Session, conf *config.Config, srRef string) (string, error) {
	rec, err := getSRRecord(ctx, sess, srRef)
	if err != nil {
		return "", err
	}
	return conf.SRPath(rec.UUID), nil
}

// ScanSR asks the backend to rescan the repository so that VDI metadata
// (notably VHD parent links) is current, and waits for the rescan task.
func ScanSR(ctx context.Context, sess xenapi.Session, srRef string) error {
	log.WithFunc("storage.ScanSR").Debugf(ctx, "re-scanning SR %s", srRef)
	task, err := sess.CallAsync(ctx, "SR.scan", srRef)
	if err != nil {
		return fmt.Errorf("scan SR %s: %w", srRef, err)
	}
	if _, err := sess.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("scan SR %s: %w", srRef, err)
	}
	return nil
}
