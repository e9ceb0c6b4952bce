// Package objectstore is the legacy ingestion backend: a control-domain
// plugin fetches the image over a plain URL with access-key credentials
// and does any partitioning itself. No bytes flow through this process.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/images"
	"github.com/xenstack/vdisk/types"
	"github.com/xenstack/vdisk/xenapi"
)

const (
	pluginName = "objectstore"

	fnGetKernel = "get_kernel"
	fnGetVDI    = "get_vdi"
	fnIsVDIPV   = "is_vdi_pv"
)

// Backend implements images.Fetcher against the objectstore plugin.
type Backend struct {
	conf *config.Config
	sess xenapi.Session
}

// New creates the objectstore backend.
func New(conf *config.Config, sess xenapi.Session) *Backend {
	return &Backend{conf: conf, sess: sess}
}

func (b *Backend) Type() string { return config.BackendObjectstore }

// Classify implements images.Fetcher. The objectstore carries no format
// metadata, and a lone image fetched without an explicit kernel is a raw
// machine disk.
func (b *Backend) Classify(_ context.Context, _ string) (types.ImageType, error) {
	return images.DetermineDiskImageTypeFromKernel(false), nil
}

// Fetch implements images.Fetcher: the plugin downloads the image and
// returns either a boot-file path or the uuid of the disk it created.
func (b *Backend) Fetch(ctx context.Context, imageRef string, imageType types.ImageType) ([]*types.VDIDescriptor, error) {
	url := fmt.Sprintf("http://%s:%d/_images/%s/image", b.conf.ObjectstoreHost, b.conf.ObjectstorePort, imageRef)
	log.WithFunc("objectstore.Fetch").Debugf(ctx, "asking plugin to fetch %s", url)

	fn := fnGetVDI
	args := map[string]string{
		"src_url":       url,
		"username":      b.conf.ObjectstoreAccessKey,
		"password":      b.conf.ObjectstoreSecretKey,
		"add_partition": "false",
		"raw":           "false",
	}
	if imageType.IsBootFile() {
		fn = fnGetKernel
	} else {
		args["add_partition"] = "true"
		if imageType == types.ImageDiskRaw {
			args["raw"] = "true"
		}
	}

	task, err := b.sess.CallPlugin(ctx, pluginName, fn, args)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", imageRef, err)
	}
	result, err := b.sess.WaitForTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", imageRef, err)
	}

	desc := &types.VDIDescriptor{Type: imageType}
	if imageType.IsBootFile() {
		desc.File = result
	} else {
		desc.UUID = result
	}
	return []*types.VDIDescriptor{desc}, nil
}

// IsPV implements images.Fetcher: the plugin inspects the disk itself.
func (b *Backend) IsPV(ctx context.Context, vdiRef string, _ types.ImageType, _ string) (bool, error) {
	logger := log.WithFunc("objectstore.IsPV")
	logger.Debugf(ctx, "asking plugin whether VDI %s has a PV kernel", vdiRef)

	task, err := b.sess.CallPlugin(ctx, pluginName, fnIsVDIPV, map[string]string{"vdi-ref": vdiRef})
	if err != nil {
		return false, fmt.Errorf("PV probe of VDI %s: %w", vdiRef, err)
	}
	result, err := b.sess.WaitForTask(ctx, task)
	if err != nil {
		return false, fmt.Errorf("PV probe of VDI %s: %w", vdiRef, err)
	}

	switch strings.ToLower(result) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("PV probe of VDI %s: unexpected result %q", vdiRef, result)
}

var _ images.Fetcher = (*Backend)(nil)
