// Package images defines the disk-image ingestion boundary. A backend
// turns an opaque image reference into virtual disks in the storage
// repository (or boot files on the control domain) and reports them as
// uniform descriptors. One backend is selected by configuration at
// startup; call sites never branch on backend names.
package images

import (
	"context"
	"fmt"
	"io"

	units "github.com/docker/go-units"

	"github.com/xenstack/vdisk/types"
)

// Fetcher is implemented by each ingestion backend.
type Fetcher interface {
	Type() string

	// Fetch materializes the image and returns one descriptor per
	// resulting artifact.
	Fetch(ctx context.Context, imageRef string, imageType types.ImageType) ([]*types.VDIDescriptor, error)

	// IsPV decides paravirtualized-kernel eligibility for a fetched disk.
	IsPV(ctx context.Context, vdiRef string, imageType types.ImageType, osType string) (bool, error)

	// Classify determines the image's type when the caller did not name
	// one, from whatever the backend knows about the image.
	Classify(ctx context.Context, imageRef string) (types.ImageType, error)
}

// ImageMeta is the catalog's description of an image.
type ImageMeta struct {
	ID         string
	Size       int64
	DiskFormat string
	Checksum   string // hex sha256 of the payload, may be empty
	OSType     string
}

// Catalog is the image catalog service boundary: metadata lookup and the
// raw byte stream.
type Catalog interface {
	GetMeta(ctx context.Context, id string) (*ImageMeta, error)
	GetStream(ctx context.Context, id string) (io.ReadCloser, *ImageMeta, error)
}

// catalog disk_format -> ImageType.
var diskFormats = map[string]types.ImageType{
	"ami": types.ImageDisk,
	"aki": types.ImageKernel,
	"ari": types.ImageRamdisk,
	"raw": types.ImageDiskRaw,
	"vhd": types.ImageDiskVHD,
}

// DetermineDiskImageType maps the catalog's disk_format to an ImageType.
func DetermineDiskImageType(meta *ImageMeta) (types.ImageType, error) {
	t, ok := diskFormats[meta.DiskFormat]
	if !ok {
		return 0, &InvalidDiskFormatError{Format: meta.DiskFormat}
	}
	return t, nil
}

// DetermineDiskImageTypeFromKernel deduces the type when no catalog
// metadata exists: an instance with an explicit kernel uses the legacy
// partitioned format, otherwise the image is raw.
func DetermineDiskImageTypeFromKernel(hasKernel bool) types.ImageType {
	if hasKernel {
		return types.ImageDisk
	}
	return types.ImageDiskRaw
}

// NameLabelForImage is the diagnostic label given to fetched disks.
func NameLabelForImage(imageRef string) string {
	return "image " + imageRef
}

// InvalidDiskFormatError reports a catalog disk_format with no known
// ImageType mapping.
type InvalidDiskFormatError struct {
	Format string
}

func (e *InvalidDiskFormatError) Error() string {
	return fmt.Sprintf("invalid disk format %q", e.Format)
}

// UnsupportedFormatError reports an image type a decision path cannot
// handle.
type UnsupportedFormatError struct {
	Type types.ImageType
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported image format %s", e.Type)
}

// SizeLimitError reports a kernel/ramdisk artifact over the configured
// cap. It is raised before any disk is created.
type SizeLimitError struct {
	Size int64
	Max  int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("kernel/ramdisk image is too large: %s (%d bytes), max %s (%d bytes)",
		units.BytesSize(float64(e.Size)), e.Size, units.BytesSize(float64(e.Max)), e.Max)
}

// FetchError wraps a streaming-path failure together with the descriptors
// of disks that were already created. The engine does not delete them;
// the caller decides, using the descriptors, whether to clean up.
type FetchError struct {
	Descriptors []*types.VDIDescriptor
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed leaving %d disk(s) behind: %v", len(e.Descriptors), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
