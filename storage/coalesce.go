package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/utils"
	"github.com/xenstack/vdisk/xenapi"
)

// CoalesceTimeoutError reports that the storage backend did not finish
// merging the differencing layer within the attempt budget.
type CoalesceTimeoutError struct {
	VDIRef   string
	Attempts int
}

func (e *CoalesceTimeoutError) Error() string {
	return fmt.Sprintf("VHD coalesce of %s not finished after %d attempts", e.VDIRef, e.Attempts)
}

// WaitForCoalesce polls the repository until the backend has merged the
// post-snapshot differencing layer of vdiRef away, and returns the final
// parent uuid.
//
// After a snapshot the chain is original_parent <- intermediate <- leaf,
// so the leaf's observed parent is the new intermediate node. The backend
// asynchronously coalesces that node away and rewrites the leaf's parent
// pointer back to the grandparent. While the observed parent differs from
// originalParent the merge is still in flight; the parent matching
// originalParent again is the completion signal. A caller that exports
// the chain before this completes reads inconsistent data.
func WaitForCoalesce(ctx context.Context, sess xenapi.Session, conf *config.Config, srRef, vdiRef, originalParent string) (string, error) {
	logger := log.WithFunc("storage.WaitForCoalesce")
	interval := time.Duration(conf.CoalescePollIntervalSeconds) * time.Second

	var parent string
	err := utils.PollAttempts(ctx, conf.CoalesceMaxAttempts, interval, func() (bool, error) {
		if err := ScanSR(ctx, sess, srRef); err != nil {
			return false, err
		}
		var err error
		parent, err = VHDParentUUID(ctx, sess, vdiRef)
		if err != nil {
			return false, err
		}
		if originalParent != "" && parent != originalParent {
			logger.Debugf(ctx, "parent %s of %s does not match original parent %s, waiting for coalesce", parent, vdiRef, originalParent)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrPollExhausted) {
			return "", &CoalesceTimeoutError{VDIRef: vdiRef, Attempts: conf.CoalesceMaxAttempts}
		}
		return "", err
	}
	return parent, nil
}
