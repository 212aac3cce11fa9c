package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type InterfaceType string

const (
	InterfaceUDP  InterfaceType = "udp"
	InterfaceKISS InterfaceType = "kiss"
	InterfaceWS   InterfaceType = "ws"
)

// Interface describes one network medium of a node.
type Interface struct {
	Name    string        `toml:"name"`
	Type    InterfaceType `toml:"type"`
	Addr    uint16        `toml:"addr"`
	Netmask int           `toml:"netmask"`
	Default bool          `toml:"default"`

	// udp
	Host  string `toml:"host"`
	LPort int    `toml:"lport"`
	RPort int    `toml:"rport"`

	// kiss: a character device or a TCP address of a serial bridge
	Device string `toml:"device"`

	// ws: Dial connects to URL, otherwise Listen serves the upgrade handler
	URL    string `toml:"url"`
	Listen string `toml:"listen"`
}

// NodeFile is the on-disk description of a node used by cmd/cspnode.
type NodeFile struct {
	Stack       Config      `toml:"stack"`
	Interfaces  []Interface `toml:"interfaces"`
	Routes      string      `toml:"routes"`
	LogLevel    string      `toml:"log_level"`
	LogPretty   bool        `toml:"log_pretty"`
	MetricsAddr string      `toml:"metrics_addr"`
	Services    bool        `toml:"services"`
}

func LoadNodeFile(path string) (NodeFile, error) {
	cfg := NodeFile{Stack: Default(), Services: true}
	if err := loadToml(path, &cfg); err != nil {
		return NodeFile{}, err
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := ValidateNodeFile(cfg); err != nil {
		return NodeFile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeFile(cfg NodeFile) error {
	if err := cfg.Stack.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, iface := range cfg.Interfaces {
		if err := ValidateInterface(iface); err != nil {
			return fmt.Errorf("interface[%d] invalid: %w", i, err)
		}
		if seen[iface.Name] {
			return fmt.Errorf("interface[%d] invalid: duplicate name %q", i, iface.Name)
		}
		seen[iface.Name] = true
	}
	return nil
}

func ValidateInterface(iface Interface) error {
	if strings.TrimSpace(iface.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if iface.Netmask < 0 || iface.Netmask > 14 {
		return fmt.Errorf("netmask %d out of range", iface.Netmask)
	}
	switch iface.Type {
	case InterfaceUDP:
		if strings.TrimSpace(iface.Host) == "" {
			return fmt.Errorf("udp host is required")
		}
		if iface.LPort <= 0 || iface.LPort > 65535 || iface.RPort <= 0 || iface.RPort > 65535 {
			return fmt.Errorf("udp lport and rport must be 1~65535")
		}
	case InterfaceKISS:
		if strings.TrimSpace(iface.Device) == "" {
			return fmt.Errorf("kiss device is required")
		}
	case InterfaceWS:
		if strings.TrimSpace(iface.URL) == "" && strings.TrimSpace(iface.Listen) == "" {
			return fmt.Errorf("ws url or listen is required")
		}
	default:
		return fmt.Errorf("unknown interface type %q", iface.Type)
	}
	return nil
}
