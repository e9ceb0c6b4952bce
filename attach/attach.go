// Package attach implements the scoped disk-attachment pattern: attach a
// VDI to the control domain, hand the block device to an operation, and
// guarantee detach/cleanup on every exit path.
package attach

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/device"
	"github.com/xenstack/vdisk/xenapi"
)

// ErrStuckAttachment reports that the storage backend kept rejecting the
// detach past the retry cap; the attachment needs operator attention.
var ErrStuckAttachment = errors.New("attachment stuck: detach rejected past retry cap")

// autodetectDevice is the placeholder slot name the control API resolves
// to a free device. It never corresponds to a device node, so it is never
// waited on.
const autodetectDevice = "autodetect"

// Attacher owns transient control-domain attachments.
type Attacher struct {
	conf *config.Config
	sess xenapi.Session

	sleep func(time.Duration)
}

// New creates an Attacher for the given session.
func New(conf *config.Config, sess xenapi.Session) *Attacher {
	return &Attacher{
		conf:  conf,
		sess:  sess,
		sleep: time.Sleep,
	}
}

// WithAttachedDisk attaches vdiRef to the control domain, waits for the
// block device node, and invokes fn with the assigned device name. The
// attachment is unplugged and destroyed on every exit path; cleanup
// failures never mask fn's error.
func (a *Attacher) WithAttachedDisk(ctx context.Context, vdiRef string, readOnly bool, fn func(ctx context.Context, dev string) error) (retErr error) {
	logger := log.WithFunc("attach.WithAttachedDisk")

	domRef, err := a.controlDomainRef(ctx)
	if err != nil {
		return err
	}

	mode := "RW"
	if readOnly {
		mode = "RO"
	}
	vbdRec := map[string]any{
		"VM":                       domRef,
		"VDI":                      vdiRef,
		"userdevice":               autodetectDevice,
		"bootable":                 false,
		"mode":                     mode,
		"type":                     "disk",
		"unpluggable":              true,
		"empty":                    false,
		"other_config":             map[string]string{},
		"qos_algorithm_type":       "",
		"qos_algorithm_params":     map[string]string{},
		"qos_supported_algorithms": []string{},
	}
	result, err := a.sess.Call(ctx, "VBD.create", vbdRec)
	if err != nil {
		return fmt.Errorf("create VBD for VDI %s: %w", vdiRef, err)
	}
	vbdRef, ok := result.(string)
	if !ok {
		return fmt.Errorf("create VBD for VDI %s: unexpected ref %T", vdiRef, result)
	}
	logger.Debugf(ctx, "created VBD %s for VDI %s", vbdRef, vdiRef)

	defer func() {
		// Cleanup must run even when ctx is the reason fn failed.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := a.detach(cleanupCtx, vbdRef, vdiRef); err != nil {
			if retErr == nil {
				retErr = err
			} else {
				logger.Warnf(cleanupCtx, "cleanup of VBD %s also failed: %v", vbdRef, err)
			}
		}
	}()

	if _, err := a.sess.Call(ctx, "VBD.plug", vbdRef); err != nil {
		return fmt.Errorf("plug VBD %s: %w", vbdRef, err)
	}
	result, err = a.sess.Call(ctx, "VBD.get_device", vbdRef)
	if err != nil {
		return fmt.Errorf("read device of VBD %s: %w", vbdRef, err)
	}
	origDev, _ := result.(string)

	dev := device.RemapDevice(a.conf, origDev)
	if dev != origDev {
		logger.Debugf(ctx, "VBD %s plugged as %s, remapped to %s", vbdRef, origDev, dev)
	}
	if dev != autodetectDevice {
		if err := device.WaitForDevice(ctx, a.conf, dev); err != nil {
			return err
		}
	}

	return fn(ctx, dev)
}

// controlDomainRef resolves the VM handle of the domain we run in.
func (a *Attacher) controlDomainRef(ctx context.Context) (string, error) {
	raw, err := os.ReadFile(a.conf.HypervisorUUIDPath)
	if err != nil {
		return "", fmt.Errorf("read control domain uuid: %w", err)
	}
	uuid := strings.TrimSpace(string(raw))

	result, err := a.sess.Call(ctx, "VM.get_by_uuid", uuid)
	if err != nil {
		return "", fmt.Errorf("resolve control domain %s: %w", uuid, err)
	}
	ref, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("resolve control domain %s: unexpected ref %T", uuid, result)
	}
	return ref, nil
}

// detach unplugs the VBD with retry and then destroys the record. Destroy
// failures are not actionable here and are logged, not raised.
func (a *Attacher) detach(ctx context.Context, vbdRef, vdiRef string) error {
	logger := log.WithFunc("attach.detach")
	logger.Debugf(ctx, "detaching VBD %s for VDI %s", vbdRef, vdiRef)

	if err := a.unplugWithRetry(ctx, vbdRef); err != nil {
		return err
	}
	if _, err := a.sess.Call(ctx, "VBD.destroy", vbdRef); err != nil {
		logger.Warnf(ctx, "ignoring failure destroying VBD %s: %v", vbdRef, err)
	}
	return nil
}

// unplugWithRetry unplugs the VBD, retrying once per second while the
// backend reports DEVICE_DETACH_REJECTED. An already-detached device is
// success. Other remote failures are swallowed with a log: this runs on
// the guaranteed-cleanup path and must not mask the primary result. Only
// exhausting the retry cap escalates, as ErrStuckAttachment.
func (a *Attacher) unplugWithRetry(ctx context.Context, vbdRef string) error {
	logger := log.WithFunc("attach.unplugWithRetry")

	for attempt := 1; ; attempt++ {
		_, err := a.sess.Call(ctx, "VBD.unplug", vbdRef)
		switch {
		case err == nil:
			return nil
		case xenapi.IsFailureCode(err, xenapi.CodeDeviceAlreadyDetached):
			logger.Debugf(ctx, "VBD %s already detached", vbdRef)
			return nil
		case xenapi.IsFailureCode(err, xenapi.CodeDeviceDetachRejected):
			if attempt >= a.conf.UnplugRetryMaxAttempts {
				return fmt.Errorf("%w: VBD %s after %d attempts", ErrStuckAttachment, vbdRef, attempt)
			}
			logger.Debugf(ctx, "unplug of VBD %s rejected, retrying", vbdRef)
			a.sleep(time.Second)
		case xenapi.AsFailure(err) != nil:
			logger.Warnf(ctx, "ignoring failure unplugging VBD %s: %v", vbdRef, err)
			return nil
		default:
			logger.Warnf(ctx, "ignoring error unplugging VBD %s: %v", vbdRef, err)
			return nil
		}
	}
}
