package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xenstack/vdisk/vm"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect VM",
	Short: "Show VM status (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	vmRef, err := vm.Lookup(ctx, sess, args[0])
	if err != nil {
		return err
	}
	if vmRef == "" {
		return fmt.Errorf("no VM named %q", args[0])
	}

	info, err := vm.CompileInfo(ctx, sess, vmRef)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(info)
	return nil
}
