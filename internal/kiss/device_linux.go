//go:build linux

package kiss

import (
	"path/filepath"
	"strings"

	"github.com/jochenvg/go-udev"
)

// classifyDevice inspects the Linux device tree to tell a Bluetooth
// RFCOMM serial endpoint from an ordinary USB/native character device
// (spec.md §4.1 step 2). It never returns an error: an inconclusive udev
// lookup falls back to the name heuristic in device_heuristic.go, so a
// udev query that can't run (sandboxed, permission denied, exotic
// distro) never blocks opening the port.
func classifyDevice(path string) DeviceClass {
	u := udev.Udev{}
	sysname := filepath.Base(path)

	dev := u.NewDeviceFromSubsystemSysname("tty", sysname)
	if dev == nil {
		return classifyDeviceByName(path)
	}

	if bus := dev.PropertyValue("ID_BUS"); strings.EqualFold(bus, "bluetooth") {
		return DeviceBluetooth
	}

	if parent := dev.ParentWithSubsystemDevtype("bluetooth", ""); parent != nil {
		return DeviceBluetooth
	}

	if bus := dev.PropertyValue("ID_BUS"); strings.EqualFold(bus, "usb") {
		return DeviceUSB
	}

	return classifyDeviceByName(path)
}
