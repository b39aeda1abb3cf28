// Package addr implements the endpoint address model: parsing, formatting,
// and IPv4<->IPv6-mapped translation for listener and remote endpoints.
package addr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Sentinel errors for endpoint parsing and translation.
var (
	// ErrEmptyEndpoint indicates an empty address string was given.
	ErrEmptyEndpoint = errors.New("endpoint address must not be empty")

	// ErrMissingPort indicates the endpoint string has no port component.
	ErrMissingPort = errors.New("endpoint address missing port")

	// ErrInvalidPort indicates the port component is not a valid uint16.
	ErrInvalidPort = errors.New("endpoint port must be between 0 and 65535")

	// ErrInvalidHost indicates the host component is not a valid IP address.
	ErrInvalidHost = errors.New("endpoint host is not a valid IP address")

	// ErrNotMappedV6 indicates an address is not within the ::ffff:0:0/96
	// IPv4-mapped range and cannot be converted back to IPv4.
	ErrNotMappedV6 = errors.New("address is not an IPv4-mapped IPv6 address")
)

// v4MappedPrefix is ::ffff:0:0/96, the well-known IPv4-mapped-in-IPv6 range.
var v4MappedPrefix = netip.MustParsePrefix("::ffff:0:0/96")

// Endpoint is an immutable IP address + port pair.
//
// The zero value is not a valid Endpoint; construct one with Parse or
// New.
type Endpoint struct {
	ip   netip.Addr
	port uint16
}

// New builds an Endpoint from an already-parsed address and port.
func New(ip netip.Addr, port uint16) Endpoint {
	return Endpoint{ip: ip, port: port}
}

// Parse accepts the three forms described in spec §6:
//
//   - "a.b.c.d:port"  — IPv4.
//   - "[ipv6]:port"   — IPv6, brackets required.
//   - ":port"         — any-address, resolved to 0.0.0.0; the IPv6
//     any-address must be written as "[::]:port".
func Parse(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, ErrEmptyEndpoint
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w: %w", s, ErrMissingPort, err)
	}

	port, err := parsePort(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}

	if host == "" {
		// ":port" — any-address. Default to the IPv4 unspecified address;
		// callers wanting "::" must write "[::]:port" explicitly.
		return Endpoint{ip: netip.IPv4Unspecified(), port: port}, nil
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w: %w", s, ErrInvalidHost, err)
	}

	return Endpoint{ip: ip, port: port}, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPort, err)
	}
	return uint16(v), nil
}

// IP returns the endpoint's IP address.
func (e Endpoint) IP() netip.Addr { return e.ip }

// Port returns the endpoint's port.
func (e Endpoint) Port() uint16 { return e.port }

// IsValid reports whether the endpoint has a valid underlying address.
func (e Endpoint) IsValid() bool { return e.ip.IsValid() }

// IsAny reports whether the endpoint's address is the unspecified
// address for its family (0.0.0.0 or ::).
func (e Endpoint) IsAny() bool { return e.ip.IsUnspecified() }

// Is4 reports whether the endpoint holds a plain IPv4 address. Per
// netip.Addr.Is4 semantics, IPv4-mapped IPv6 addresses report false;
// use IsMappedV6 to detect those.
func (e Endpoint) Is4() bool { return e.ip.Is4() }

// Is6 reports whether the endpoint holds a non-mapped IPv6 address.
func (e Endpoint) Is6() bool { return e.ip.Is6() && !e.IsMappedV6() }

// IsMappedV6 reports whether the endpoint's address lies in ::ffff:0:0/96.
func (e Endpoint) IsMappedV6() bool {
	return e.ip.Is6() && v4MappedPrefix.Contains(e.ip)
}

// String formats the endpoint in the canonical bracketed-for-v6 form,
// e.g. "192.0.2.1:443" or "[2001:db8::1]:443".
func (e Endpoint) String() string {
	return net.JoinHostPort(e.ip.String(), strconv.Itoa(int(e.port)))
}

// ToMappedV6 produces the IPv4-mapped-in-IPv6 representation of e,
// i.e. ::ffff:a.b.c.d, preserving the port. If e is already IPv6
// (mapped or not), it is returned unchanged.
func (e Endpoint) ToMappedV6() Endpoint {
	if e.ip.Is6() {
		return e
	}
	mapped := netip.AddrFrom16(e.ip.As16())
	return Endpoint{ip: mapped, port: e.port}
}

// FromMappedV6 extracts the IPv4 address from an IPv4-mapped IPv6
// endpoint. Returns ErrNotMappedV6 if e is not within ::ffff:0:0/96.
func (e Endpoint) FromMappedV6() (Endpoint, error) {
	if !e.IsMappedV6() {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotMappedV6, e.ip)
	}
	b := e.ip.As16()
	v4 := netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
	return Endpoint{ip: v4, port: e.port}, nil
}

// UnspecifiedFor returns the any-address Endpoint on the given port for
// the requested family: v6 picks "::", otherwise "0.0.0.0".
func UnspecifiedFor(v6 bool, port uint16) Endpoint {
	if v6 {
		return Endpoint{ip: netip.IPv6Unspecified(), port: port}
	}
	return Endpoint{ip: netip.IPv4Unspecified(), port: port}
}
