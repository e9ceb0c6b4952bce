package types

import "fmt"

// ImageType classifies the artifacts the fetch pipeline can produce.
//
//	KERNEL   - kernel image, copied onto the control domain's filesystem
//	RAMDISK  - ramdisk image, copied onto the control domain's filesystem
//	DISK     - legacy disk image, partitioned during streaming
//	DISK_RAW - raw disk image, streamed as-is
//	DISK_VHD - VHD (differencing) disk image, materialized by the catalog plugin
type ImageType int

const (
	ImageKernel ImageType = iota
	ImageRamdisk
	ImageDisk
	ImageDiskRaw
	ImageDiskVHD
)

const (
	imageKernelStr  = "kernel"
	imageRamdiskStr = "ramdisk"
	imageDiskStr    = "os"
	imageDiskRawStr = "os_raw"
	imageDiskVHDStr = "vhd"
)

// String returns the stable wire encoding, used both for plugin arguments
// and descriptor tagging.
func (t ImageType) String() string {
	switch t {
	case ImageKernel:
		return imageKernelStr
	case ImageRamdisk:
		return imageRamdiskStr
	case ImageDisk:
		return imageDiskStr
	case ImageDiskRaw:
		return imageDiskRawStr
	case ImageDiskVHD:
		return imageDiskVHDStr
	}
	return fmt.Sprintf("ImageType(%d)", int(t))
}

// ParseImageType is the inverse of String.
func ParseImageType(s string) (ImageType, error) {
	switch s {
	case imageKernelStr:
		return ImageKernel, nil
	case imageRamdiskStr:
		return ImageRamdisk, nil
	case imageDiskStr:
		return ImageDisk, nil
	case imageDiskRawStr:
		return ImageDiskRaw, nil
	case imageDiskVHDStr:
		return ImageDiskVHD, nil
	}
	return 0, fmt.Errorf("unknown image type %q", s)
}

// IsBootFile reports whether the type is a kernel or ramdisk artifact,
// which lives as a plain file on the control domain rather than a VDI.
func (t ImageType) IsBootFile() bool {
	return t == ImageKernel || t == ImageRamdisk
}

// VDIDescriptor is the uniform result of an image fetch. Exactly one of
// UUID and File is populated: boot-file types carry File, disk types
// carry UUID.
type VDIDescriptor struct {
	Type ImageType `json:"vdi_type"`
	UUID string    `json:"vdi_uuid,omitempty"`
	File string    `json:"file,omitempty"`
	// Role tags multi-disk images ("os" for the primary disk, "swap"),
	// as reported by the catalog plugin. Empty for single-disk fetches.
	Role string `json:"role,omitempty"`
}

func (d *VDIDescriptor) String() string {
	if d.File != "" {
		return fmt.Sprintf("%s file=%s", d.Type, d.File)
	}
	return fmt.Sprintf("%s vdi=%s", d.Type, d.UUID)
}
