package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/storage"
)

const fnUploadVHD = "upload_vhd"

// Upload has the plugin bundle the given VHD chain and push it into the
// catalog under imageID. The uuids are ordered leaf first.
func (b *Backend) Upload(ctx context.Context, vdiUUIDs []string, imageID, osType string) error {
	logger := log.WithFunc("catalog.Upload")
	logger.Debugf(ctx, "asking plugin to upload %v as image %s", vdiUUIDs, imageID)

	if osType == "" {
		osType = b.conf.DefaultOSType
	}

	srRef, err := storage.FindDefaultSR(ctx, b.sess)
	if err != nil {
		return err
	}
	srPath, err := storage.SRPath(ctx, b.sess, b.conf, srRef)
	if err != nil {
		return err
	}

	params, err := json.Marshal(map[string]any{
		"vdi_uuids": vdiUUIDs,
		"image_id":  imageID,
		"endpoint":  b.conf.CatalogEndpoint,
		"sr_path":   srPath,
		"os_type":   osType,
	})
	if err != nil {
		return fmt.Errorf("encode plugin params: %w", err)
	}
	task, err := b.sess.CallPlugin(ctx, pluginName, fnUploadVHD, map[string]string{"params": string(params)})
	if err != nil {
		return fmt.Errorf("upload image %s: %w", imageID, err)
	}
	if _, err := b.sess.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("upload image %s: %w", imageID, err)
	}
	return nil
}
