package config

import (
	"net"
	"strings"
)

// Cloudflare WARP, Tailscale and carrier-grade NAT hand out addresses here.
var cgnatBlock = mustCIDR("100.64.0.0/10")

var tunnelNameHints = []string{"tun", "tap", "wg", "ppp", "warp"}

// ShouldForceRelay checks if the host is likely behind a restrictive VPN or
// CGNAT, where direct peer-to-peer paths rarely work and TURN should be used.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			addrs = nil
		}
		if tunnelLike(iface.Name, addrs) {
			return true
		}
	}
	return false
}

// tunnelLike reports whether an interface looks like a VPN adapter, by
// name or by carrying a CGNAT address.
func tunnelLike(name string, addrs []net.Addr) bool {
	name = strings.ToLower(name)
	for _, hint := range tunnelNameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cgnatBlock.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDR(s string) *net.IPNet {
	_, block, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return block
}
