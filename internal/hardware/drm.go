package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// GPUDetectionFailed is reported in place of a GPU descriptor when no
// display adapter can be identified.
const GPUDetectionFailed = "GPU Detection Failed"

// isCardDevice returns true for DRM card names (card0, card1) but not
// connectors (card0-DP-1) or render nodes (renderD128).
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// cardDevices lists the PCI device directories behind each DRM card, in
// card order.
func cardDevices(sysRoot string) []string {
	entries, err := os.ReadDir(filepath.Join(sysRoot, "class/drm"))
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if isCardDevice(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	devices := make([]string, 0, len(names))
	for _, name := range names {
		devices = append(devices, filepath.Join(sysRoot, "class/drm", name, "device"))
	}
	return devices
}

// parsePCIUevent extracts the vendor and device IDs from a device uevent
// file, which carries lines like PCI_ID=1002:744A.
func parsePCIUevent(devicePath string) (vendorID, deviceID string) {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || key != "PCI_ID" {
			continue
		}
		if v, d, ok := strings.Cut(value, ":"); ok {
			return strings.ToLower(v), strings.ToLower(d)
		}
	}
	return "", ""
}

func pciVendorName(vendorID string) string {
	switch vendorID {
	case "1002":
		return "AMD"
	case "10de":
		return "NVIDIA"
	case "8086":
		return "Intel"
	case "":
		return ""
	default:
		return "0x" + vendorID
	}
}

func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// detectGPU describes the first DRM card with a recognisable PCI identity.
func detectGPU(sysRoot string) GPUDescriptor {
	for _, dev := range cardDevices(sysRoot) {
		vendorID, deviceID := parsePCIUevent(dev)
		vendor := pciVendorName(vendorID)
		if vendor == "" {
			continue
		}
		renderer := fmt.Sprintf("%s GPU 0x%s", vendor, deviceID)
		if driver := readDriverName(dev); driver != "" {
			renderer = fmt.Sprintf("%s (%s)", renderer, driver)
		}
		return GPUDescriptor{Vendor: vendor, Renderer: renderer}
	}
	return GPUDescriptor{Vendor: GPUDetectionFailed, Renderer: GPUDetectionFailed}
}

// ReadGPUBusyPercent returns the busy percentage the kernel reports for the
// first card exposing gpu_busy_percent (amdgpu does, most drivers do not).
func ReadGPUBusyPercent(sysRoot string) (float64, bool) {
	for _, dev := range cardDevices(sysRoot) {
		data, err := os.ReadFile(filepath.Join(dev, "gpu_busy_percent"))
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}
