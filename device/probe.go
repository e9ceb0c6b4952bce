package device

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
)

// OutputFunc runs a command and returns its combined output.
type OutputFunc func(ctx context.Context, name string, args ...string) (string, error)

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

var kernelLineRE = regexp.MustCompile(`kernel:(/\S*)`)

// PVProber inspects an attached raw disk's boot loader configuration for a
// paravirtualization-capable kernel.
type PVProber struct {
	conf *config.Config

	// Output runs external commands and captures output; defaults to real
	// execution.
	Output OutputFunc
}

// NewPVProber creates a PVProber backed by real command execution.
func NewPVProber(conf *config.Config) *PVProber {
	return &PVProber{conf: conf, Output: commandOutput}
}

// Probe runs the boot-loader probe against dev and reports whether a xen
// kernel entry is present. A probe run that finds no kernel entry is not
// an error: the guest simply boots fully virtualized.
func (p *PVProber) Probe(ctx context.Context, dev string) (bool, error) {
	logger := log.WithFunc("device.Probe")
	path := p.conf.DevicePath(dev)

	out, err := p.Output(ctx, "pygrub", "-qn", path)
	if err != nil {
		return false, fmt.Errorf("bootloader probe on %s: %w", path, err)
	}
	for _, line := range strings.Split(out, "\n") {
		m := kernelLineRE.FindStringSubmatch(line)
		if m != nil && strings.Contains(m[1], "xen") {
			logger.Debugf(ctx, "found xen kernel %s on %s", m[1], path)
			return true, nil
		}
	}
	logger.Debugf(ctx, "no xen kernel on %s, booting HVM", path)
	return false, nil
}
