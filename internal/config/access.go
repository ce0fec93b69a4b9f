package config

import (
	"net"
	"os"
	"strings"
)

// AllowedNetworks returns CIDR blocks from MAILER_ALLOW_NETWORKS. Bare IPs are
// treated as single-host networks. An empty result means every client is allowed.
func AllowedNetworks() []*net.IPNet {
	return parseNetworks(os.Getenv("MAILER_ALLOW_NETWORKS"))
}

func parseNetworks(value string) []*net.IPNet {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var result []*net.IPNet
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			if ip := net.ParseIP(part); ip != nil {
				if v4 := ip.To4(); v4 != nil {
					ip = v4
				}
				mask := net.CIDRMask(len(ip)*8, len(ip)*8)
				result = append(result, &net.IPNet{IP: ip, Mask: mask})
			}
			continue
		}
		if _, network, err := net.ParseCIDR(part); err == nil {
			result = append(result, network)
		}
	}
	return result
}

// NetworkAllowed reports whether ip falls inside one of nets. A nil or empty
// list allows everything.
func NetworkAllowed(nets []*net.IPNet, ip net.IP) bool {
	if len(nets) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
