package config

import (
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/csperr"
)

type DedupMode int

const (
	DedupOff     DedupMode = 0
	DedupForward DedupMode = 1
	DedupAll     DedupMode = 2
)

// RDP holds the default reliable datagram parameters. Active openers send
// them in the SYN so both ends run with the same policy.
type RDP struct {
	WindowSize      uint32 `toml:"window_size"`
	ConnTimeoutMS   uint32 `toml:"conn_timeout_ms"`
	PacketTimeoutMS uint32 `toml:"packet_timeout_ms"`
	DelayedAcks     bool   `toml:"delayed_acks"`
	AckTimeoutMS    uint32 `toml:"ack_timeout_ms"`
	AckDelayCount   uint32 `toml:"ack_delay_count"`
}

func (r RDP) ConnTimeout() time.Duration {
	return time.Duration(r.ConnTimeoutMS) * time.Millisecond
}

func (r RDP) PacketTimeout() time.Duration {
	return time.Duration(r.PacketTimeoutMS) * time.Millisecond
}

func (r RDP) AckTimeout() time.Duration {
	return time.Duration(r.AckTimeoutMS) * time.Millisecond
}

// Config is fixed when the stack is initialized. The stack keeps its own
// copy, so changing a Config value after Init has no effect.
type Config struct {
	// Version selects the header layout: 1 is the legacy 4 byte header,
	// 2 the current 6 byte header.
	Version  int    `toml:"version"`
	Hostname string `toml:"hostname"`
	Model    string `toml:"model"`
	Revision string `toml:"revision"`

	QFifoLen       int `toml:"qfifo_len"`
	PortMaxBind    int `toml:"port_max_bind"`
	ConnRxQueueLen int `toml:"conn_rx_queue_len"`
	ConnMax        int `toml:"conn_max"`
	BufferSize     int `toml:"buffer_size"`
	BufferCount    int `toml:"buffer_count"`
	RDPMaxWindow   int `toml:"rdp_max_window"`
	RTableSize     int `toml:"rtable_size"`

	UseRDP     bool `toml:"use_rdp"`
	UseHMAC    bool `toml:"use_hmac"`
	UsePromisc bool `toml:"use_promisc"`
	UseRTable  bool `toml:"use_rtable"`

	HMACKey string    `toml:"hmac_key"`
	Dedup   DedupMode `toml:"dedup"`

	// RouteTickMS bounds how long one RouteWork call waits for ingress
	// traffic, and therefore the resolution of the RDP timers.
	RouteTickMS uint32 `toml:"route_tick_ms"`

	RDP RDP `toml:"rdp"`
}

func Default() Config {
	return Config{
		Version:        2,
		Hostname:       "csp",
		Model:          "csp-go",
		Revision:       "1",
		QFifoLen:       16,
		PortMaxBind:    16,
		ConnRxQueueLen: 16,
		ConnMax:        8,
		BufferSize:     256,
		BufferCount:    15,
		RDPMaxWindow:   5,
		RTableSize:     10,
		UseRDP:         true,
		UseHMAC:        true,
		UsePromisc:     false,
		UseRTable:      false,
		Dedup:          DedupOff,
		RouteTickMS:    100,
		RDP: RDP{
			WindowSize:      4,
			ConnTimeoutMS:   10000,
			PacketTimeoutMS: 1000,
			DelayedAcks:     true,
			AckTimeoutMS:    250,
			AckDelayCount:   2,
		},
	}
}

func (c Config) RouteTick() time.Duration {
	return time.Duration(c.RouteTickMS) * time.Millisecond
}

// MaxPort is the highest port number the configured header can carry.
func (c Config) MaxPort() int {
	return 63
}

func (c Config) Validate() error {
	if c.Version != 1 && c.Version != 2 {
		return errors.Wrapf(csperr.ErrInvalid, "config: unsupported header version %d", c.Version)
	}
	positive := []struct {
		name string
		v    int
	}{
		{"qfifo_len", c.QFifoLen},
		{"conn_rx_queue_len", c.ConnRxQueueLen},
		{"conn_max", c.ConnMax},
		{"buffer_count", c.BufferCount},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Wrapf(csperr.ErrInvalid, "config: %s must be positive", p.name)
		}
	}
	if c.BufferSize < 16 || c.BufferSize > 0xFFFF {
		return errors.Wrapf(csperr.ErrInvalid, "config: buffer_size %d out of range", c.BufferSize)
	}
	if c.PortMaxBind < 0 || c.PortMaxBind >= c.MaxPort() {
		return errors.Wrapf(csperr.ErrInvalid, "config: port_max_bind %d leaves no ephemeral ports", c.PortMaxBind)
	}
	if c.UseRTable && c.RTableSize <= 0 {
		return errors.Wrap(csperr.ErrInvalid, "config: rtable enabled with rtable_size 0")
	}
	if c.Dedup < DedupOff || c.Dedup > DedupAll {
		return errors.Wrapf(csperr.ErrInvalid, "config: dedup mode %d", c.Dedup)
	}
	if c.RouteTickMS == 0 {
		return errors.Wrap(csperr.ErrInvalid, "config: route_tick_ms must be positive")
	}
	if c.UseRDP {
		if c.RDPMaxWindow <= 0 {
			return errors.Wrap(csperr.ErrInvalid, "config: rdp_max_window must be positive")
		}
		if c.RDP.WindowSize == 0 || c.RDP.ConnTimeoutMS == 0 || c.RDP.PacketTimeoutMS == 0 {
			return errors.Wrap(csperr.ErrInvalid, "config: rdp window and timeouts must be positive")
		}
		if c.RDP.PacketTimeoutMS > c.RDP.ConnTimeoutMS {
			return errors.Wrap(csperr.ErrInvalid, "config: rdp packet timeout exceeds connection timeout")
		}
	}
	return nil
}
