package security

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/keygen-sh/machineid"
)

// Hardware component names, in the order they are collected.
const (
	ComponentMachineID = "machine_id"
	ComponentMAC       = "mac_address"
	ComponentCPU       = "cpu_id"
	ComponentHostname  = "hostname"
	ComponentPlatform  = "platform"
)

// ComponentSource yields one raw, semi-stable hardware attribute.
type ComponentSource interface {
	Name() string
	Value(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to ComponentSource.
type SourceFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) (string, error)
}

func (s SourceFunc) Name() string { return s.ComponentName }

func (s SourceFunc) Value(ctx context.Context) (string, error) { return s.Fn(ctx) }

// DefaultSources returns the component sources for the running host.
// appID salts the machine id so it cannot be correlated across products.
func DefaultSources(appID string) []ComponentSource {
	return []ComponentSource{
		SourceFunc{ComponentMachineID, func(context.Context) (string, error) { return MachineID(appID) }},
		SourceFunc{ComponentMAC, func(context.Context) (string, error) { return MACAddress() }},
		SourceFunc{ComponentCPU, func(context.Context) (string, error) { return CPUID() }},
		SourceFunc{ComponentHostname, func(context.Context) (string, error) { return Hostname() }},
		SourceFunc{ComponentPlatform, func(context.Context) (string, error) { return Platform(), nil }},
	}
}

// MachineID returns the OS machine identifier, HMAC-protected with appID.
func MachineID(appID string) (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("failed to read machine id: %w", err)
	}
	return id, nil
}

// MACAddress retrieves the primary network interface MAC address
func MACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// first non-loopback, up interface with a hardware address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			slog.Warn("Using fallback MAC address", slog.String("interface", iface.Name))
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// Hostname returns the normalised machine hostname
func Hostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// CPUID retrieves CPU identification information (OS-specific)
func CPUID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return procID, nil
		}
		return fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE")), nil
	case "linux":
		return cpuIDLinux(), nil
	case "darwin":
		if procType := os.Getenv("HOSTTYPE"); procType != "" {
			return fmt.Sprintf("darwin-%s-%s", runtime.GOARCH, procType), nil
		}
		return "darwin-" + runtime.GOARCH, nil
	default:
		return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH), nil
	}
}

func cpuIDLinux() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
				if _, v, ok := strings.Cut(line, ":"); ok {
					return strings.TrimSpace(v)
				}
			}
		}
	}
	return "linux-" + runtime.GOARCH
}

// Platform returns os/arch.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
