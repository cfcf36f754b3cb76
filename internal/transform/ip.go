package transform

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/vinegar-boot/vinegar/internal/verr"
)

// registerIP registers ipv4_address.normalize (IPv4-only, spec.md §4.1)
// and the protocol-agnostic ip_address.normalize / .network / .host
// family (IPv4 or IPv6).
func registerIP() {
	register("ipv4_address.normalize", func(value any, args []any) (any, error) {
		s, err := asString("ipv4_address.normalize", value)
		if err != nil {
			return nil, err
		}
		addr, bits, hasMask, err := parseAddr(s)
		if err != nil {
			return nil, verr.NewTransformError("ipv4_address.normalize", err.Error())
		}
		if !addr.Is4() {
			return nil, verr.NewTransformError("ipv4_address.normalize", fmt.Sprintf("%q is not an IPv4 address", s))
		}
		return formatAddr(addr, bits, hasMask), nil
	})

	register("ip_address.normalize", func(value any, args []any) (any, error) {
		s, err := asString("ip_address.normalize", value)
		if err != nil {
			return nil, err
		}
		addr, bits, hasMask, err := parseAddr(s)
		if err != nil {
			return nil, verr.NewTransformError("ip_address.normalize", err.Error())
		}
		return formatAddr(addr, bits, hasMask), nil
	})

	register("ip_address.network", func(value any, args []any) (any, error) {
		s, err := asString("ip_address.network", value)
		if err != nil {
			return nil, err
		}
		prefix, err := requirePrefix("ip_address.network", s)
		if err != nil {
			return nil, err
		}
		return prefix.Masked().String(), nil
	})

	register("ip_address.host", func(value any, args []any) (any, error) {
		s, err := asString("ip_address.host", value)
		if err != nil {
			return nil, err
		}
		prefix, err := requirePrefix("ip_address.host", s)
		if err != nil {
			return nil, err
		}
		return prefix.Addr().String(), nil
	})
}

// parseAddr parses an address with an optional "/n" mask suffix, returning
// the address, the mask bits (0 if absent), and whether a mask was
// present.
func parseAddr(s string) (netip.Addr, int, bool, error) {
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, 0, false, fmt.Errorf("%q is not a valid address/mask: %w", s, err)
		}
		return prefix.Addr(), prefix.Bits(), true, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, 0, false, fmt.Errorf("%q is not a valid IP address: %w", s, err)
	}
	return addr, 0, false, nil
}

func formatAddr(addr netip.Addr, bits int, hasMask bool) string {
	if hasMask {
		return fmt.Sprintf("%s/%d", addr.String(), bits)
	}
	return addr.String()
}

func requirePrefix(transformName, s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		return netip.Prefix{}, verr.NewTransformError(transformName, fmt.Sprintf("%q has no /n mask", s))
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, verr.NewTransformError(transformName, fmt.Sprintf("%q is not a valid address/mask: %v", s, err))
	}
	return prefix, nil
}
