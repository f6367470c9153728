package posix

import (
	"crypto/sha256"
	"fmt"
	"net"
	"os"

	"github.com/edgesignal/diagagent/platform"
)

// EnvNodeIDSource resolves a factory-provisioned node id from a fixed
// string (in practice read from an environment variable by the caller),
// standing in for the original's NVS-programmed value (spec.md §6).
type EnvNodeIDSource struct {
	value string
}

// NewEnvNodeIDSource wraps value. An empty value tells Agent.resolveNodeID
// to fall back to the MAC-derived id.
func NewEnvNodeIDSource(value string) EnvNodeIDSource {
	return EnvNodeIDSource{value: value}
}

// NodeID implements platform.NodeIDSource.
func (s EnvNodeIDSource) NodeID() (string, error) { return s.value, nil }

// HostStationMAC resolves the station MAC from the first non-loopback
// network interface with a hardware address, standing in for the
// original's esp_wifi_get_mac.
type HostStationMAC struct{}

// MAC implements platform.StationMAC.
func (HostStationMAC) MAC() ([6]byte, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return [6]byte{}, fmt.Errorf("posix: list network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		var mac [6]byte
		copy(mac[:], iface.HardwareAddr)
		return mac, nil
	}
	return [6]byte{}, fmt.Errorf("posix: no network interface with a hardware address")
}

// FileImageInfo hashes the running executable to stand in for the
// original's app description SHA-256 (spec.md §6 "sha256").
type FileImageInfo struct {
	sum [4]byte
}

// NewFileImageInfo hashes the current process's executable file.
func NewFileImageInfo() (FileImageInfo, error) {
	path, err := os.Executable()
	if err != nil {
		return FileImageInfo{}, fmt.Errorf("posix: resolve executable path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileImageInfo{}, fmt.Errorf("posix: read executable %q: %w", path, err)
	}
	full := sha256.Sum256(data)
	var out [4]byte
	copy(out[:], full[:4])
	return FileImageInfo{sum: out}, nil
}

// SHA256 implements platform.ImageInfo.
func (f FileImageInfo) SHA256() [4]byte { return f.sum }

var (
	_ platform.NodeIDSource = EnvNodeIDSource{}
	_ platform.StationMAC   = HostStationMAC{}
	_ platform.ImageInfo    = FileImageInfo{}
)
