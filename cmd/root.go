package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xenstack/vdisk/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vdisk",
		Short: "vdisk - virtual disk lifecycle for the control domain",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("endpoint", "", "control API URL")
	cmd.PersistentFlags().String("socket", "", "local control API socket path")
	cmd.PersistentFlags().String("username", "", "control API username")
	cmd.PersistentFlags().String("password", "", "control API password")
	cmd.PersistentFlags().String("image-backend", "", "image backend: catalog or objectstore")

	_ = viper.BindPFlag("endpoint", cmd.PersistentFlags().Lookup("endpoint"))
	_ = viper.BindPFlag("socket", cmd.PersistentFlags().Lookup("socket"))
	_ = viper.BindPFlag("username", cmd.PersistentFlags().Lookup("username"))
	_ = viper.BindPFlag("password", cmd.PersistentFlags().Lookup("password"))
	_ = viper.BindPFlag("image_backend", cmd.PersistentFlags().Lookup("image-backend"))

	viper.SetEnvPrefix("VDISK")
	viper.AutomaticEnv()

	cmd.AddCommand(
		fetchCmd,
		uploadCmd,
		snapshotCmd,
		isPVCmd,
		inspectCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	switch conf.ImageBackend {
	case config.BackendCatalog, config.BackendObjectstore:
	default:
		return fmt.Errorf("unknown image backend %q", conf.ImageBackend)
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go. The command
// context is canceled on SIGINT/SIGTERM so in-flight attachments get a
// chance to unwind.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
