// SPDX-License-Identifier: Apache-2.0

package vram

import (
	"fmt"

	"github.com/jgillich/go-opencl/cl"
)

// DeviceInfo describes one GPU device usable as a backend.
type DeviceInfo struct {
	Platform      int
	PlatformName  string
	Device        int
	Name          string
	Vendor        string
	GlobalMemSize int64
}

// ListDevices enumerates GPU devices across all OpenCL platforms.
// Platforms without GPU devices are skipped, not errors.
func ListDevices() ([]DeviceInfo, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("enumerate platforms: %w", err)
	}

	var out []DeviceInfo
	for pi, platform := range platforms {
		devices, err := platform.GetDevices(cl.DeviceTypeGPU)
		if err != nil {
			continue
		}
		for di, device := range devices {
			out = append(out, DeviceInfo{
				Platform:      pi,
				PlatformName:  platform.Name(),
				Device:        di,
				Name:          device.Name(),
				Vendor:        device.Vendor(),
				GlobalMemSize: device.GlobalMemSize(),
			})
		}
	}
	return out, nil
}
