package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xenstack/vdisk/storage"
	"github.com/xenstack/vdisk/types"
)

var isPVCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "is-pv VDI-UUID",
		Short: "Report whether a disk boots paravirtualized",
		Args:  cobra.ExactArgs(1),
		RunE:  runIsPV,
	}
	cmd.Flags().String("type", "os_raw", "image type: os, os_raw or vhd")
	cmd.Flags().String("os-type", "", "OS tag of the image, if known")
	return cmd
}()

func runIsPV(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	typeStr, _ := cmd.Flags().GetString("type")
	imageType, err := types.ParseImageType(typeStr)
	if err != nil {
		return err
	}
	osType, _ := cmd.Flags().GetString("os-type")

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	fetcher, err := newFetcher(sess)
	if err != nil {
		return err
	}

	vdiRef, err := storage.GetVDIByUUID(ctx, sess, args[0])
	if err != nil {
		return err
	}
	isPV, err := fetcher.IsPV(ctx, vdiRef, imageType, osType)
	if err != nil {
		return err
	}
	fmt.Println(isPV)
	return nil
}
