// Package config parses Core device addresses and loads device
// configuration files.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
)

const (
	// DefaultPort is the Core API port used when the address omits one.
	DefaultPort = 7497

	// apiPath is the WebSocket endpoint path on the Core.
	apiPath = "/api/v0.1"
)

// ParseEndpoint turns a "host[:port]" device address into a WebSocket URL.
//
// IPv6 literals must be bracketed ("[::1]:7497"); an unbracketed address
// with multiple colons is rejected rather than guessed at.
func ParseEndpoint(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", zapclient.ErrNoEndpoint
	}

	host, port, err := splitAddress(address)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), apiPath), nil
}

func splitAddress(address string) (string, int, error) {
	// Bracketed IPv6, with or without a port.
	if strings.HasPrefix(address, "[") {
		host, portStr, err := net.SplitHostPort(address)
		if err != nil {
			trimmed := strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
			if ip := net.ParseIP(trimmed); ip != nil && strings.HasSuffix(address, "]") {
				return trimmed, DefaultPort, nil
			}
			return "", 0, fmt.Errorf("invalid device address %q: %w", address, err)
		}
		port, err := parsePort(address, portStr)
		if err != nil {
			return "", 0, err
		}
		return host, port, nil
	}

	switch strings.Count(address, ":") {
	case 0:
		return address, DefaultPort, nil
	case 1:
		host, portStr, err := net.SplitHostPort(address)
		if err != nil || host == "" {
			return "", 0, fmt.Errorf("invalid device address %q", address)
		}
		port, perr := strconv.Atoi(portStr)
		if perr != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port in device address %q", address)
		}
		return host, port, nil
	default:
		// An unbracketed IPv6-looking literal is ambiguous; require
		// brackets instead of guessing which colon starts the port.
		return "", 0, fmt.Errorf("invalid device address %q: IPv6 literals must be bracketed", address)
	}
}

func parsePort(address, portStr string) (int, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port in device address %q", address)
	}
	return port, nil
}

// Device is one configured Core device.
type Device struct {
	// ID is the registry key for the device.
	ID string `yaml:"id"`
	// Address is the "host[:port]" endpoint.
	Address string `yaml:"address"`
}

// File is the on-disk device configuration.
type File struct {
	// Devices lists every configured Core device.
	Devices []Device `yaml:"devices"`
	// Active is the id of the device that receives calls. Empty means the
	// first listed device.
	Active string `yaml:"active,omitempty"`
}

// Load reads and validates a YAML device configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Devices))
	for i, d := range f.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device %d: missing id", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if _, err := ParseEndpoint(d.Address); err != nil {
			return nil, fmt.Errorf("device %q: %w", d.ID, err)
		}
	}

	if f.Active == "" && len(f.Devices) > 0 {
		f.Active = f.Devices[0].ID
	}
	if f.Active != "" {
		if _, ok := seen[f.Active]; !ok {
			return nil, fmt.Errorf("active device %q is not configured", f.Active)
		}
	}
	return &f, nil
}
