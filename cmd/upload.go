package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/images/catalog"
)

var uploadCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload VDI-UUID [VDI-UUID...]",
		Short: "Upload a VHD chain to the image catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}
	cmd.Flags().String("image-id", "", "catalog id to store the image under")
	cmd.Flags().String("os-type", "", "OS tag recorded on the image")
	_ = cmd.MarkFlagRequired("image-id")
	return cmd
}()

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if conf.ImageBackend != config.BackendCatalog {
		return fmt.Errorf("upload requires the catalog backend, configured backend is %q", conf.ImageBackend)
	}
	imageID, _ := cmd.Flags().GetString("image-id")
	osType, _ := cmd.Flags().GetString("os-type")

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	backend, err := catalog.New(conf, sess, catalog.NewClient(conf.CatalogEndpoint))
	if err != nil {
		return err
	}
	if err := backend.Upload(ctx, args, imageID, osType); err != nil {
		return err
	}
	fmt.Println(imageID)
	return nil
}
