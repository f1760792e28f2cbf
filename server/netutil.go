package server

import (
	"fmt"
	"net"
)

// DefaultTrustedNetworks are localhost and the RFC 1918 private networks.
var DefaultTrustedNetworks = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// ParseTrustedNetworks parses a slice of CIDR strings into a slice of *net.IPNet
// Automatically adds /32 for IPv4 and /128 for IPv6 addresses without subnet notation
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", cidr)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// RemoteIP extracts the IP of a connection's remote address.
func RemoteIP(addr net.Addr) (net.IP, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, nil
	case *net.UDPAddr:
		return a.IP, nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, fmt.Errorf("invalid remote address format: %s", addr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("could not parse remote IP address: %s", host)
	}
	return ip, nil
}

// IsTrusted reports whether ip belongs to one of networks. An empty list
// trusts nobody.
func IsTrusted(ip net.IP, networks []*net.IPNet) bool {
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
