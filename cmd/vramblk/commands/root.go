// SPDX-License-Identifier: Apache-2.0

// Package commands holds the vramblk command tree. The root command
// serves the block device; subcommands cover device discovery and
// version info.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vramblk/vramblk/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vramblk",
	Short: "Expose GPU memory as a block device",
	Long: `vramblk allocates a buffer in GPU memory and exposes it as a
standard block device, either over NBD or through the kernel's ublk
driver. The contents are volatile: they live exactly as long as the
process does.`,
	Version: "0.1.0",
	RunE:    runServe,

	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vramblk/config.yaml)")
	flags.StringP("size", "s", "2048M", "buffer size, e.g. 512M or 2G (bare numbers are MiB)")
	flags.Int("platform", 0, "OpenCL platform index")
	flags.IntP("device", "d", 0, "OpenCL device index")
	flags.Bool("ram", false, "use host memory instead of a GPU (debugging)")
	flags.String("driver", config.DriverNBD, "block transport: nbd or ublk")
	flags.StringP("listen-addr", "l", "127.0.0.1:10809", "NBD listen address")
	flags.StringP("export-name", "e", "vram", "NBD export name")
	flags.Uint32("block-size", 4096, "logical block size in bytes, power of two")
	flags.Int("queues", 0, "ublk queue count (0 = one per CPU, capped at 8)")
	flags.Int("queue-depth", 64, "ublk per-queue depth")
	flags.String("mlock", config.MlockWarn, "mlockall policy: warn, require or off")
	flags.BoolP("verbose", "v", false, "verbose output")

	for _, name := range []string{
		"size", "platform", "device", "ram", "driver", "listen-addr",
		"export-name", "block-size", "queues", "queue-depth", "mlock",
		"verbose",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home + "/.vramblk")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("VRAMBLK")
	viper.AutomaticEnv()

	// a missing config file is fine, flags and env carry the defaults
	viper.ReadInConfig()
}
