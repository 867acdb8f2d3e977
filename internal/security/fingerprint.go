// Package security holds the hardware identity and webhook signature
// primitives shared by the server and the desktop client.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// MachineIdentity is the stable identity the client sends as machineId and
// deviceFingerprint. The fingerprint is a SHA-256 over hardware factors, so
// it survives reinstalls but changes with the machine.
type MachineIdentity struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager computes and caches the machine identity. Hardware
// probing is cheap but not free, and the identity cannot change within a
// process lifetime anyway.
type FingerprintManager struct {
	mu          sync.RWMutex
	cached      *MachineIdentity
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewFingerprintManager creates a manager with a one-hour cache.
func NewFingerprintManager() *FingerprintManager {
	return &FingerprintManager{cacheTTL: time.Hour}
}

// Identity returns the machine identity, probing hardware at most once per
// cache period. Individual probe failures degrade to stable placeholders
// rather than failing the whole identity.
func (fm *FingerprintManager) Identity() (*MachineIdentity, error) {
	fm.mu.RLock()
	if fm.cached != nil && time.Now().Before(fm.cacheExpiry) {
		id := *fm.cached
		fm.mu.RUnlock()
		return &id, nil
	}
	fm.mu.RUnlock()

	mac, err := primaryMAC()
	if err != nil {
		mac = "unknown-mac"
		slog.Warn("machine fingerprint: MAC probe failed",
			slog.String("error", err.Error()))
	}
	hostname, err := normalizedHostname()
	if err != nil {
		hostname = "unknown-host"
		slog.Warn("machine fingerprint: hostname probe failed",
			slog.String("error", err.Error()))
	}
	cpu := cpuID()

	combined := strings.Join([]string{hostname, mac, cpu, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))

	id := &MachineIdentity{
		Fingerprint: hex.EncodeToString(sum[:]),
		Hostname:    hostname,
		MACAddress:  mac,
		CPUID:       cpu,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	fm.mu.Lock()
	fm.cached = id
	fm.cacheExpiry = time.Now().Add(fm.cacheTTL)
	fm.mu.Unlock()

	return id, nil
}

// Matches reports whether the current machine produces the stored
// fingerprint.
func (fm *FingerprintManager) Matches(stored string) (bool, error) {
	id, err := fm.Identity()
	if err != nil {
		return false, fmt.Errorf("compute fingerprint: %w", err)
	}
	return id.Fingerprint == stored, nil
}

// ClearCache drops the cached identity so the next call re-probes.
func (fm *FingerprintManager) ClearCache() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.cached = nil
	fm.cacheExpiry = time.Time{}
}

// primaryMAC returns the MAC of the first up, non-loopback interface, then
// falls back to any interface with hardware address.
func primaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

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
			return mac, nil
		}
	}
	return "", fmt.Errorf("no interface with a usable MAC address")
}

func normalizedHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("read hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// cpuID derives a short stable CPU identifier per platform, hashed so it
// has uniform length regardless of source.
func cpuID() string {
	var raw string
	switch runtime.GOOS {
	case "windows":
		raw = os.Getenv("PROCESSOR_IDENTIFIER")
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					raw = line
					break
				}
			}
		}
	}
	if raw == "" {
		raw = fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
