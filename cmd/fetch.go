package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/xenstack/vdisk/types"
)

var fetchCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch IMAGE",
		Short: "Fetch an image into the storage repository",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	cmd.Flags().String("type", "", "image type: kernel, ramdisk, os, os_raw or vhd (default: classified by the backend)")
	return cmd
}()

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.WithFunc("cmd.runFetch")
	imageRef := args[0]

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	fetcher, err := newFetcher(sess)
	if err != nil {
		return err
	}

	var imageType types.ImageType
	if typeStr, _ := cmd.Flags().GetString("type"); typeStr != "" {
		imageType, err = types.ParseImageType(typeStr)
	} else {
		imageType, err = fetcher.Classify(ctx, imageRef)
	}
	if err != nil {
		return err
	}
	logger.Infof(ctx, "fetching %s image %s via %s backend", imageType, imageRef, fetcher.Type())
	descriptors, err := fetcher.Fetch(ctx, imageRef, imageType)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", imageRef, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(descriptors)
	return nil
}
