package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/types"
)

// ExecFunc runs a command to completion.
type ExecFunc func(ctx context.Context, name string, args ...string) error

// runCommand is the default ExecFunc.
func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return nil
}

// Streamer copies image bytes onto raw device nodes, writing a partition
// table first for the legacy partitioned format.
type Streamer struct {
	conf *config.Config

	// Exec runs external commands; defaults to real execution.
	Exec ExecFunc
}

// NewStreamer creates a Streamer backed by real command execution.
func NewStreamer(conf *config.Config) *Streamer {
	return &Streamer{conf: conf, Exec: runCommand}
}

// Stream writes the source onto the device node for dev.
//
// For ImageDisk the image payload expects a partition, so a single-primary
// MSDOS table sized to virtualSize is written and the payload starts after
// the MBR reservation; every other type is written from offset 0.
func (s *Streamer) Stream(ctx context.Context, dev string, imageType types.ImageType, virtualSize int64, source io.Reader) error {
	logger := log.WithFunc("device.Stream")
	path := s.conf.DevicePath(dev)

	var offset int64
	if imageType == types.ImageDisk {
		offset = config.MBRSizeBytes
		if err := s.writePartition(ctx, path, virtualSize); err != nil {
			return err
		}
	}

	// The copy below runs unprivileged; take ownership of the node first.
	if err := s.Exec(ctx, "chown", strconv.Itoa(os.Getuid()), path); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s to %d: %w", path, offset, err)
	}
	n, err := io.Copy(f, source)
	if err != nil {
		return fmt.Errorf("stream to %s: %w", path, err)
	}
	logger.Debugf(ctx, "streamed %d bytes to %s at offset %d", n, path, offset)
	return nil
}

// writePartition creates an MSDOS label with one primary partition
// covering virtualSize bytes, starting after the MBR reservation.
func (s *Streamer) writePartition(ctx context.Context, path string, virtualSize int64) error {
	first := int64(config.MBRSizeSectors)
	last := config.MBRSizeSectors + virtualSize/config.SectorSize - 1

	log.WithFunc("device.writePartition").Debugf(ctx, "partitioning %s: %d..%d", path, first, last)

	if err := s.Exec(ctx, "parted", "--script", path, "mklabel", "msdos"); err != nil {
		return fmt.Errorf("write partition label on %s: %w", path, err)
	}
	if err := s.Exec(ctx, "parted", "--script", path, "mkpart", "primary",
		fmt.Sprintf("%ds", first), fmt.Sprintf("%ds", last)); err != nil {
		return fmt.Errorf("create partition on %s: %w", path, err)
	}
	return nil
}
