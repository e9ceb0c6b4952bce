// Package device deals with the control domain's view of plugged virtual
// disks: waiting for the block-device node to appear, correcting
// kernel-naming drift, and streaming image bytes onto the raw device.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
)

// ErrDeviceTimeout reports that a plugged device node never appeared.
var ErrDeviceTimeout = errors.New("timeout waiting for device")

const devicePollInterval = time.Second

// WaitForDevice blocks until the node for the assigned device name exists
// under the configured device directory. It polls once per second up to
// conf.DeviceCreationTimeout attempts; an inotify watch on the directory
// short-circuits the sleep when the node shows up between polls.
func WaitForDevice(ctx context.Context, conf *config.Config, dev string) error {
	path := conf.DevicePath(dev)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(conf.DevDir); werr != nil {
			watcher.Close() //nolint:errcheck
			watcher = nil
		} else {
			defer watcher.Close() //nolint:errcheck
		}
	} else {
		log.WithFunc("device.WaitForDevice").Debugf(ctx, "inotify unavailable, poll only: %v", err)
		watcher = nil
	}

	ticker := time.NewTicker(devicePollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < conf.DeviceCreationTimeout; attempt++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		ticked := false
		for !ticked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				ticked = true
			case <-watcherEvents(watcher):
				// Any create in the directory triggers an early re-stat;
				// spurious events do not consume the attempt budget.
				if _, err := os.Stat(path); err == nil {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrDeviceTimeout, path)
}

// watcherEvents returns the watcher's event channel, or nil (blocking
// forever in select) when the watcher could not be established.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// RemapDevice applies the configured device-name prefix substitution.
//
// Some control-domain kernels rename hypervisor block devices from xvd*
// to sd*; the name the API reports is then not the name the node appears
// under. The substitution is a plain prefix replace, disabled by default.
func RemapDevice(conf *config.Config, dev string) string {
	if !conf.RemapDevices {
		return dev
	}
	return strings.Replace(dev, "xvd", conf.RemapDevicePrefix, 1)
}
