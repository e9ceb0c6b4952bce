// Package catalog is the preferred ingestion backend: VHD images are
// materialized directly into the storage repository by a control-domain
// plugin, everything else is streamed through a scoped attachment.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/singleflight"

	"github.com/xenstack/vdisk/attach"
	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/device"
	"github.com/xenstack/vdisk/images"
	"github.com/xenstack/vdisk/lock"
	"github.com/xenstack/vdisk/storage"
	"github.com/xenstack/vdisk/types"
	"github.com/xenstack/vdisk/utils"
	"github.com/xenstack/vdisk/xenapi"
)

const (
	pluginName = "catalog"

	fnDownloadVHD   = "download_vhd"
	fnCopyKernelVDI = "copy_kernel_vdi"

	// two uuids: one per disk the plugin may materialize (primary, swap)
	uuidStackDepth = 2
)

// Backend implements images.Fetcher against the image catalog.
type Backend struct {
	conf     *config.Config
	sess     xenapi.Session
	cat      images.Catalog
	attacher *attach.Attacher
	streamer *device.Streamer
	prober   *device.PVProber
	locker   lock.Locker

	// identical boot-file fetches share one materialization
	fetchGroup singleflight.Group
}

// New creates the catalog backend.
func New(conf *config.Config, sess xenapi.Session, cat images.Catalog) (*Backend, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return &Backend{
		conf:     conf,
		sess:     sess,
		cat:      cat,
		attacher: attach.New(conf, sess),
		streamer: device.NewStreamer(conf),
		prober:   device.NewPVProber(conf),
		locker:   lock.NewFileLock(conf.KernelLockPath()),
	}, nil
}

func (b *Backend) Type() string { return config.BackendCatalog }

// Classify implements images.Fetcher: the catalog's disk_format decides.
func (b *Backend) Classify(ctx context.Context, imageRef string) (types.ImageType, error) {
	meta, err := b.cat.GetMeta(ctx, imageRef)
	if err != nil {
		return 0, fmt.Errorf("classify image %s: %w", imageRef, err)
	}
	return images.DetermineDiskImageType(meta)
}

// Fetch implements images.Fetcher.
func (b *Backend) Fetch(ctx context.Context, imageRef string, imageType types.ImageType) ([]*types.VDIDescriptor, error) {
	if imageType == types.ImageDiskVHD {
		return b.fetchVHD(ctx, imageRef)
	}
	return b.fetchStreamed(ctx, imageRef, imageType)
}

// pluginVDI is one entry of the download_vhd plugin result.
type pluginVDI struct {
	VDIType string `json:"vdi_type"`
	VDIUUID string `json:"vdi_uuid"`
}

// fetchVHD delegates the whole download to the catalog plugin, which
// writes the VHD chain straight into the repository's on-disk path.
func (b *Backend) fetchVHD(ctx context.Context, imageRef string) ([]*types.VDIDescriptor, error) {
	logger := log.WithFunc("catalog.fetchVHD")
	logger.Debugf(ctx, "asking plugin to fetch VHD image %s", imageRef)

	srRef, err := storage.FindDefaultSR(ctx, b.sess)
	if err != nil {
		return nil, err
	}
	srPath, err := storage.SRPath(ctx, b.sess, b.conf, srRef)
	if err != nil {
		return nil, err
	}

	// The plugin cannot generate uuids in its own environment; hand it a
	// stack to consume.
	params, err := json.Marshal(map[string]any{
		"image_id":   imageRef,
		"endpoint":   b.conf.CatalogEndpoint,
		"uuid_stack": utils.UUIDStack(uuidStackDepth),
		"sr_path":    srPath,
	})
	if err != nil {
		return nil, fmt.Errorf("encode plugin params: %w", err)
	}
	task, err := b.sess.CallPlugin(ctx, pluginName, fnDownloadVHD, map[string]string{"params": string(params)})
	if err != nil {
		return nil, fmt.Errorf("fetch VHD image %s: %w", imageRef, err)
	}
	result, err := b.sess.WaitForTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("fetch VHD image %s: %w", imageRef, err)
	}

	var vdis []pluginVDI
	if err := json.Unmarshal([]byte(result), &vdis); err != nil {
		return nil, fmt.Errorf("decode plugin result for image %s: %w", imageRef, err)
	}
	if len(vdis) == 0 {
		return nil, fmt.Errorf("plugin returned no disks for image %s", imageRef)
	}
	for _, vdi := range vdis {
		logger.Debugf(ctx, "plugin returned VDI of type %q with uuid %s", vdi.VDIType, vdi.VDIUUID)
	}

	// Make the new disks visible to the repository metadata.
	if err := storage.ScanSR(ctx, b.sess, srRef); err != nil {
		return nil, err
	}

	// Relabel the primary disk for diagnostics.
	primaryRef, err := storage.GetVDIByUUID(ctx, b.sess, vdis[0].VDIUUID)
	if err != nil {
		return nil, err
	}
	if err := storage.SetVDINameLabel(ctx, b.sess, primaryRef, images.NameLabelForImage(imageRef)); err != nil {
		return nil, err
	}

	descriptors := make([]*types.VDIDescriptor, len(vdis))
	for i, vdi := range vdis {
		descriptors[i] = &types.VDIDescriptor{
			Type: types.ImageDiskVHD,
			UUID: vdi.VDIUUID,
			Role: vdi.VDIType,
		}
	}
	return descriptors, nil
}

// fetchStreamed downloads the image bytes from the catalog and streams
// them into a new VDI through a scoped attachment. Kernel/ramdisk
// artifacts are then copied out of the temporary VDI onto the control
// domain's filesystem.
func (b *Backend) fetchStreamed(ctx context.Context, imageRef string, imageType types.ImageType) ([]*types.VDIDescriptor, error) {
	if imageType.IsBootFile() {
		// Identical concurrent fetches of the same boot file would race
		// on the shared kernel directory; collapse them.
		result, err, _ := b.fetchGroup.Do(fmt.Sprintf("%s/%s", imageRef, imageType), func() (any, error) {
			return b.streamImage(ctx, imageRef, imageType)
		})
		if err != nil {
			return nil, err
		}
		return result.([]*types.VDIDescriptor), nil
	}
	return b.streamImage(ctx, imageRef, imageType)
}

func (b *Backend) streamImage(ctx context.Context, imageRef string, imageType types.ImageType) ([]*types.VDIDescriptor, error) {
	logger := log.WithFunc("catalog.streamImage")

	body, meta, err := b.cat.GetStream(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	virtualSize := meta.Size
	vdiSize := virtualSize
	logger.Debugf(ctx, "image %s (%s): %d bytes", imageRef, imageType, virtualSize)

	switch {
	case imageType == types.ImageDisk:
		// Room for the partition table.
		vdiSize += config.MBRSizeBytes
	case imageType.IsBootFile() && vdiSize > b.conf.MaxKernelRamdiskSize:
		return nil, &images.SizeLimitError{Size: vdiSize, Max: b.conf.MaxKernelRamdiskSize}
	}

	srRef, err := storage.FindDefaultSR(ctx, b.sess)
	if err != nil {
		return nil, err
	}
	vdiRef, err := storage.CreateVDI(ctx, b.sess, srRef, images.NameLabelForImage(imageRef), vdiSize, false)
	if err != nil {
		return nil, err
	}
	// A VDI now exists on the host; from here on its descriptor rides
	// along with any failure so the caller can clean up.
	vdiUUID, err := storage.GetVDIUUID(ctx, b.sess, vdiRef)
	if err != nil {
		return nil, b.fetchFailure(imageType, vdiUUID, "", err)
	}

	source := io.Reader(body)
	verifier := newChecksumVerifier(meta.Checksum)
	if verifier != nil {
		source = io.TeeReader(body, verifier)
	}

	err = b.attacher.WithAttachedDisk(ctx, vdiRef, false, func(ctx context.Context, dev string) error {
		return b.streamer.Stream(ctx, dev, imageType, virtualSize, source)
	})
	if err == nil && verifier != nil && !verifier.Verified() {
		err = fmt.Errorf("checksum mismatch for image %s (want sha256:%s)", imageRef, meta.Checksum)
	}
	if err != nil {
		logger.Errorf(ctx, err, "failed to stream image %s into VDI %s", imageRef, vdiUUID)
		return nil, b.fetchFailure(imageType, vdiUUID, "", err)
	}

	if imageType.IsBootFile() {
		filename, err := b.copyBootFile(ctx, vdiRef, vdiSize)
		if err != nil {
			return nil, b.fetchFailure(imageType, vdiUUID, "", err)
		}
		// The temporary VDI has served its purpose.
		if err := storage.DestroyVDI(ctx, b.sess, vdiRef); err != nil {
			return nil, b.fetchFailure(imageType, vdiUUID, filename, err)
		}
		logger.Debugf(ctx, "boot file VDI %s copied to %s and destroyed", vdiUUID, filename)
		return []*types.VDIDescriptor{{Type: imageType, File: filename}}, nil
	}
	return []*types.VDIDescriptor{{Type: imageType, UUID: vdiUUID}}, nil
}

// copyBootFile has the plugin copy the VDI payload to the kernel
// directory on the control domain, serialized against other writers.
func (b *Backend) copyBootFile(ctx context.Context, vdiRef string, byteSize int64) (string, error) {
	var filename string
	err := lock.WithLock(ctx, b.locker, func() error {
		task, err := b.sess.CallPlugin(ctx, pluginName, fnCopyKernelVDI, map[string]string{
			"vdi-ref":    vdiRef,
			"image-size": fmt.Sprintf("%d", byteSize),
		})
		if err != nil {
			return fmt.Errorf("copy out VDI %s: %w", vdiRef, err)
		}
		filename, err = b.sess.WaitForTask(ctx, task)
		if err != nil {
			return fmt.Errorf("copy out VDI %s: %w", vdiRef, err)
		}
		return nil
	})
	return filename, err
}

// fetchFailure wraps err with the descriptor of the disk left behind.
func (b *Backend) fetchFailure(imageType types.ImageType, vdiUUID, file string, err error) error {
	return &images.FetchError{
		Descriptors: []*types.VDIDescriptor{{Type: imageType, UUID: vdiUUID, File: file}},
		Err:         err,
	}
}

// IsPV implements images.Fetcher.
func (b *Backend) IsPV(ctx context.Context, vdiRef string, imageType types.ImageType, osType string) (bool, error) {
	if osType == "" {
		osType = b.conf.DefaultOSType
	}
	switch imageType {
	case types.ImageDiskVHD:
		// The backend never inspects VHD images; the OS tag decides.
		return osType != "windows", nil
	case types.ImageDiskRaw:
		var isPV bool
		err := b.attacher.WithAttachedDisk(ctx, vdiRef, true, func(ctx context.Context, dev string) error {
			var perr error
			isPV, perr = b.prober.Probe(ctx, dev)
			return perr
		})
		return isPV, err
	case types.ImageDisk:
		return true, nil
	default:
		return false, &images.UnsupportedFormatError{Type: imageType}
	}
}

var _ images.Fetcher = (*Backend)(nil)
