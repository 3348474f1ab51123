// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vramblk/vramblk/internal/vram"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available GPU devices",
	Long: `Enumerate OpenCL platforms and their GPU devices. Use the
printed platform and device indices with --platform and --device.`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices, err := vram.ListDevices()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No GPU devices found.")
		return nil
	}

	for _, d := range devices {
		fmt.Printf("platform %d (%s) device %d: %s [%s], %d MiB global memory\n",
			d.Platform, d.PlatformName, d.Device, d.Name, d.Vendor,
			d.GlobalMemSize>>20)
	}
	return nil
}
