package checker

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device identifies a firmware line on the storage server: <type>[/<hardware>].
type Device struct {
	Type     string `yaml:"type"`
	Hardware string `yaml:"hardware,omitempty"`
}

// Path is the device's directory relative to the storage base URL.
func (d Device) Path() string {
	if d.Hardware == "" {
		return d.Type
	}
	return path.Join(d.Type, d.Hardware)
}

func (d Device) String() string {
	if d.Hardware == "" {
		return d.Type
	}
	return d.Type + " and hardware " + d.Hardware
}

type deviceFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices reads a YAML device list from path.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes a YAML device list. The result is sorted and free of duplicates.
func ParseDevices(data []byte) ([]Device, error) {
	var file deviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	for i, d := range file.Devices {
		d.Type = strings.TrimSpace(d.Type)
		d.Hardware = strings.TrimSpace(d.Hardware)
		if d.Type == "" {
			return nil, fmt.Errorf("device %d: type is required", i)
		}
		if strings.Contains(d.Type, "/") || strings.Contains(d.Hardware, "/") {
			return nil, fmt.Errorf("device %d: type and hardware must not contain '/'", i)
		}
		file.Devices[i] = d
	}
	return normalizeDevices(file.Devices), nil
}

func normalizeDevices(devices []Device) []Device {
	out := append([]Device(nil), devices...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Hardware < out[j].Hardware
	})
	uniq := out[:0]
	for i, d := range out {
		if i > 0 && d == out[i-1] {
			continue
		}
		uniq = append(uniq, d)
	}
	return uniq
}
