// Package manifest defines the plugin manifest document: declared
// permissions, resource ceilings, trust level and integrity data. A plugin
// package is a directory holding manifest.yaml plus the entry module it
// names.
package manifest

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/srediag/devsentry/internal/model"
)

// TrustLevel orders how much the host believes a plugin author.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustStandard  TrustLevel = "standard"
	TrustTrusted   TrustLevel = "trusted"
)

var trustRank = map[TrustLevel]int{
	TrustUntrusted: 0,
	TrustStandard:  1,
	TrustTrusted:   2,
}

// Rank returns the ordering value; unknown levels rank below untrusted.
func (t TrustLevel) Rank() int {
	if r, ok := trustRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t is at or above min.
func (t TrustLevel) AtLeast(min TrustLevel) bool { return t.Rank() >= min.Rank() }

// HexID is a vendor/product/class id written as hex in the manifest
// ("0x05ac", "05ac" or a bare number). Zero means "any".
type HexID uint16

// UnmarshalYAML accepts hex strings and integers.
func (h *HexID) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		*h = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return fmt.Errorf("invalid hex id %q: %w", node.Value, err)
	}
	*h = HexID(v)
	return nil
}

// DeviceFilter is one entry of the device allow-list.
type DeviceFilter struct {
	VendorID  HexID `yaml:"vendor_id"`
	ProductID HexID `yaml:"product_id"`
	Class     HexID `yaml:"class"`
	Exclusive bool  `yaml:"exclusive"`
}

// Matches reports whether the filter admits the device. Zero fields are
// wildcards.
func (f DeviceFilter) Matches(d model.Device) bool {
	if f.VendorID != 0 && uint16(f.VendorID) != d.VendorID {
		return false
	}
	if f.ProductID != 0 && uint16(f.ProductID) != d.ProductID {
		return false
	}
	if f.Class != 0 && uint8(f.Class) != d.Class {
		return false
	}
	return true
}

// FilesystemRule grants one path subtree with a mode.
type FilesystemRule struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"` // "ro" or "rw"
}

// NetworkRule grants egress to one host/port pair. Empty host or zero port
// are wildcards.
type NetworkRule struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Permissions is the full declared grant set.
type Permissions struct {
	Devices    []DeviceFilter   `yaml:"devices"`
	Filesystem []FilesystemRule `yaml:"filesystem"`
	Network    []NetworkRule    `yaml:"network"`
	Queues     []string         `yaml:"queues"`
}

// AllowsDevice reports whether any device filter admits d.
func (p Permissions) AllowsDevice(d model.Device) bool {
	for _, f := range p.Devices {
		if f.Matches(d) {
			return true
		}
	}
	return false
}

// ClaimsExclusive reports whether any device filter claims exclusivity.
func (p Permissions) ClaimsExclusive() bool {
	for _, f := range p.Devices {
		if f.Exclusive {
			return true
		}
	}
	return false
}

// AllowsPath reports whether path falls under a granted subtree with a
// sufficient mode.
func (p Permissions) AllowsPath(path string, write bool) bool {
	clean := filepath.Clean(path)
	for _, r := range p.Filesystem {
		root := filepath.Clean(r.Path)
		if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
			continue
		}
		if write && r.Mode != "rw" {
			continue
		}
		return true
	}
	return false
}

// AllowsNetwork reports whether an egress rule admits host:port.
func (p Permissions) AllowsNetwork(host string, port int) bool {
	for _, r := range p.Network {
		if r.Host != "" && r.Host != host {
			continue
		}
		if r.Port != 0 && r.Port != port {
			continue
		}
		return true
	}
	return false
}

// AllowsQueue reports whether the subscription list names topic.
func (p Permissions) AllowsQueue(topic string) bool {
	for _, q := range p.Queues {
		if q == topic {
			return true
		}
	}
	return false
}

// Resources declares per-instance ceilings the enforcer holds the plugin to.
type Resources struct {
	MemoryBytes uint64  `yaml:"memory_bytes"`
	CPUPercent  float64 `yaml:"cpu_percent"`
}

// Integrity pins the entry module content.
type Integrity struct {
	SHA256    string `yaml:"sha256"`
	Signature string `yaml:"signature"`
}

// Manifest is the parsed plugin manifest document.
type Manifest struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Entry       string      `yaml:"entry"`
	Trust       TrustLevel  `yaml:"trust"`
	Permissions Permissions `yaml:"permissions"`
	Resources   Resources   `yaml:"resources"`
	Integrity   Integrity   `yaml:"integrity"`
}

var (
	nameRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Validate checks schema-level constraints. Integrity and policy checks
// happen at load time where the package directory is known.
func (m *Manifest) Validate() error {
	if !nameRe.MatchString(m.Name) {
		return &model.ValidationError{Field: "name", Reason: "must match [a-z0-9][a-z0-9_-]*"}
	}
	if !versionRe.MatchString(m.Version) {
		return &model.ValidationError{Field: "version", Reason: "must be semantic (major.minor.patch)"}
	}
	if m.Entry == "" {
		return &model.ValidationError{Field: "entry", Reason: "entry module is required"}
	}
	if filepath.IsAbs(m.Entry) || strings.Contains(m.Entry, "..") {
		return &model.ValidationError{Field: "entry", Reason: "entry must be a plain relative path inside the package"}
	}
	if m.Trust == "" {
		m.Trust = TrustUntrusted
	}
	if m.Trust.Rank() < 0 {
		return &model.ValidationError{Field: "trust", Reason: fmt.Sprintf("unknown trust level %q", m.Trust)}
	}
	for i, r := range m.Permissions.Filesystem {
		if r.Mode != "ro" && r.Mode != "rw" {
			return &model.ValidationError{Field: fmt.Sprintf("permissions.filesystem[%d].mode", i), Reason: "must be ro or rw"}
		}
		if r.Path == "" {
			return &model.ValidationError{Field: fmt.Sprintf("permissions.filesystem[%d].path", i), Reason: "path is required"}
		}
	}
	for i, r := range m.Permissions.Network {
		if r.Port < 0 || r.Port > 65535 {
			return &model.ValidationError{Field: fmt.Sprintf("permissions.network[%d].port", i), Reason: "port out of range"}
		}
	}
	if m.Resources.MemoryBytes == 0 {
		return &model.ValidationError{Field: "resources.memory_bytes", Reason: "memory ceiling is required"}
	}
	if m.Resources.CPUPercent <= 0 || m.Resources.CPUPercent > 100 {
		return &model.ValidationError{Field: "resources.cpu_percent", Reason: "cpu ceiling must be in (0,100]"}
	}
	if m.Integrity.SHA256 == "" {
		return &model.ValidationError{Field: "integrity.sha256", Reason: "entry digest is required"}
	}
	return nil
}
