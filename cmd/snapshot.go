package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/xenstack/vdisk/vm"
)

var snapshotCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot VM",
		Short: "Snapshot a VM's primary disk into a template",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshot,
	}
	cmd.Flags().String("label", "", "name label of the snapshot template")
	return cmd
}()

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.WithFunc("cmd.runSnapshot")

	name := args[0]
	label, _ := cmd.Flags().GetString("label")
	if label == "" {
		label = fmt.Sprintf("snapshot of %s", name)
	}

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	vmRef, err := vm.Lookup(ctx, sess, name)
	if err != nil {
		return err
	}
	if vmRef == "" {
		return fmt.Errorf("no VM named %q", name)
	}

	result, err := vm.Snapshot(ctx, sess, conf, vmRef, label)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", name, err)
	}
	logger.Infof(ctx, "snapshot of %s complete: image %s, snap %s", name, result.ImageUUID, result.SnapUUID)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return nil
}
