package discovery

import (
	"net"
	"strings"
)

// physicalAdapterFragments match the names of common wired and wireless
// adapters across platforms.
var physicalAdapterFragments = []string{"eth", "enp", "eno", "ens", "en", "wlan", "wlp", "wl", "wi-fi", "ethernet"}

// PreferredLocalIPv4 picks the address this host should advertise: an IPv4
// address on a physical-looking adapter first, then any non-loopback IPv4,
// then loopback.
func PreferredLocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	if addr := firstIPv4(ifaces, true); addr != "" {
		return addr
	}
	if addr := firstIPv4(ifaces, false); addr != "" {
		return addr
	}
	return "127.0.0.1"
}

// preferredInterfaces narrows mDNS registration to physical-looking adapters
// carrying IPv4 addresses. Returns nil (all interfaces) when none match.
func preferredInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if !matchesPhysicalAdapter(iface.Name) {
			continue
		}
		if interfaceIPv4(iface) == "" {
			continue
		}
		out = append(out, iface)
	}
	return out
}

func firstIPv4(ifaces []net.Interface, physicalOnly bool) string {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if physicalOnly && !matchesPhysicalAdapter(iface.Name) {
			continue
		}
		if addr := interfaceIPv4(iface); addr != "" {
			return addr
		}
	}
	return ""
}

func interfaceIPv4(iface net.Interface) string {
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		return ip.String()
	}
	return ""
}

func matchesPhysicalAdapter(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range physicalAdapterFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
