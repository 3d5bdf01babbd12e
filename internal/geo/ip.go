package geo

import (
	"net"
	"net/netip"
	"strings"
)

// 运营商级 NAT 地址段 (RFC 6598)，netip 的 IsPrivate 不包含它
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Normalize 把原始地址串规整为可查询的公网地址
//
// 参数:
//   - raw: 可能是 X-Forwarded-For 链（取第一项）、带端口的地址或 IPv4 映射的 IPv6 地址
//
// 返回值:
//   - netip.Addr: 规整后的地址
//   - bool: 地址无法解析，或为回环/私有/链路本地/未指定地址时返回 false
func Normalize(raw string) (netip.Addr, bool) {
	first, _, _ := strings.Cut(raw, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return netip.Addr{}, false
	}

	if host, _, err := net.SplitHostPort(first); err == nil {
		first = host
	}
	first = strings.Trim(first, "[]")

	addr, err := netip.ParseAddr(first)
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap().WithZone("")

	if !IsPublic(addr) {
		return netip.Addr{}, false
	}
	return addr, true
}

// IsPublic 判断地址是否值得做地理位置查询
func IsPublic(addr netip.Addr) bool {
	switch {
	case !addr.IsValid(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		!addr.IsGlobalUnicast():
		return false
	}
	return !sharedAddressSpace.Contains(addr)
}
