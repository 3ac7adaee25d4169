// Package network renders the configured network mode as a profile for the
// target system and discovers usable interfaces on the live host.
package network

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
	"gopkg.in/yaml.v3"

	"github.com/slateos/slate/internal/config"
	"github.com/slateos/slate/internal/logging"
)

// ProfilePath is where the rendered profile lands, relative to the install
// root.
const ProfilePath = "etc/netplan/01-installer.yaml"

type profile struct {
	Network networkSection `yaml:"network"`
}

type networkSection struct {
	Version   int                  `yaml:"version"`
	Renderer  string               `yaml:"renderer,omitempty"`
	Ethernets map[string]*ethernet `yaml:"ethernets,omitempty"`
}

type ethernet struct {
	DHCP4       bool         `yaml:"dhcp4,omitempty"`
	Addresses   []string     `yaml:"addresses,omitempty"`
	Routes      []route      `yaml:"routes,omitempty"`
	Nameservers *nameservers `yaml:"nameservers,omitempty"`
}

type route struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

type nameservers struct {
	Addresses []string `yaml:"addresses,omitempty"`
	Search    []string `yaml:"search,omitempty"`
}

// Render produces the profile for the configured mode. Manual mode renders a
// stub that configures nothing, leaving networking to the user.
func Render(nc config.NetworkConfig) ([]byte, error) {
	p := profile{Network: networkSection{Version: 2, Renderer: "networkd"}}

	switch nc.Mode {
	case config.NetworkManual:
		// Valid empty profile, no interfaces managed.
		p.Network.Renderer = ""

	case config.NetworkDHCP:
		iface := nc.Interface
		if iface == "" {
			iface = "eth0"
		}
		p.Network.Ethernets = map[string]*ethernet{
			iface: {DHCP4: true},
		}

	case config.NetworkStatic:
		prefix, err := prefixLength(nc.Netmask)
		if err != nil {
			return nil, err
		}
		eth := &ethernet{
			Addresses: []string{fmt.Sprintf("%s/%d", nc.IP, prefix)},
			Routes:    []route{{To: "default", Via: nc.Gateway}},
		}
		if len(nc.DNS) > 0 || len(nc.SearchDomains) > 0 {
			eth.Nameservers = &nameservers{
				Addresses: nc.DNS,
				Search:    nc.SearchDomains,
			}
		}
		p.Network.Ethernets = map[string]*ethernet{nc.Interface: eth}

	default:
		return nil, fmt.Errorf("unknown network mode %q", nc.Mode)
	}

	return yaml.Marshal(p)
}

// prefixLength converts a dotted-quad netmask to a CIDR prefix length.
func prefixLength(netmask string) (int, error) {
	ip := net.ParseIP(netmask)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("netmask %q is not a dotted quad", netmask)
	}
	ones, bits := net.IPMask(ip.To4()).Size()
	if bits == 0 {
		return 0, fmt.Errorf("netmask %q is not contiguous", netmask)
	}
	return ones, nil
}

// linkLister abstracts netlink.LinkList so interface discovery is testable
// without privileges.
type linkLister func() ([]netlink.Link, error)

// Discovery enumerates physical interfaces on the live host.
type Discovery struct {
	Logger *slog.Logger
	list   linkLister
}

func NewDiscovery(logger *slog.Logger) *Discovery {
	return &Discovery{
		Logger: logging.Ensure(logger).With("component", "network"),
		list:   netlink.LinkList,
	}
}

// Interfaces returns the names of the physical ethernet-like interfaces,
// skipping loopback and virtual devices.
func (d *Discovery) Interfaces() ([]string, error) {
	links, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}
	var names []string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if attrs.EncapType != "ether" {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// DefaultInterface picks the first physical interface that is up, falling
// back to the first physical interface when none is up.
func (d *Discovery) DefaultInterface() (string, error) {
	links, err := d.list()
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}
	var first string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 || attrs.EncapType != "ether" {
			continue
		}
		if first == "" {
			first = attrs.Name
		}
		if attrs.Flags&net.FlagUp != 0 {
			return attrs.Name, nil
		}
	}
	if first == "" {
		return "", fmt.Errorf("no physical network interface found")
	}
	d.Logger.Warn("no interface is up, defaulting to first physical interface", "interface", first)
	return first, nil
}

// ValidateInterface confirms a statically configured interface exists.
func (d *Discovery) ValidateInterface(name string) error {
	links, err := d.list()
	if err != nil {
		return fmt.Errorf("list network interfaces: %w", err)
	}
	for _, link := range links {
		if link.Attrs().Name == name {
			return nil
		}
	}
	return fmt.Errorf("network interface %q does not exist on this host", name)
}
