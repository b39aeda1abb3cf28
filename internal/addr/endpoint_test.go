package addr_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantIP  string
		wantPrt uint16
		wantErr error
	}{
		{name: "ipv4", input: "192.0.2.1:443", wantIP: "192.0.2.1", wantPrt: 443},
		{name: "ipv6 bracketed", input: "[2001:db8::1]:8080", wantIP: "2001:db8::1", wantPrt: 8080},
		{name: "any address", input: ":3322", wantIP: "0.0.0.0", wantPrt: 3322},
		{name: "empty", input: "", wantErr: addr.ErrEmptyEndpoint},
		{name: "missing port", input: "192.0.2.1", wantErr: addr.ErrMissingPort},
		{name: "bad port", input: "192.0.2.1:notaport", wantErr: addr.ErrInvalidPort},
		{name: "port out of range", input: "192.0.2.1:99999", wantErr: addr.ErrInvalidPort},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ep, err := addr.Parse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want wrapping %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if ep.IP().String() != tt.wantIP {
				t.Errorf("IP = %s, want %s", ep.IP(), tt.wantIP)
			}
			if ep.Port() != tt.wantPrt {
				t.Errorf("Port = %d, want %d", ep.Port(), tt.wantPrt)
			}
		})
	}
}

func TestMappedV6RoundTrip(t *testing.T) {
	t.Parallel()

	v4s := []string{"0.0.0.0", "127.0.0.1", "192.0.2.1", "255.255.255.255"}
	for _, s := range v4s {
		s := s
		t.Run(s, func(t *testing.T) {
			t.Parallel()

			ip := netip.MustParseAddr(s)
			ep := addr.New(ip, 443)

			mapped := ep.ToMappedV6()
			if !mapped.IsMappedV6() {
				t.Fatalf("ToMappedV6(%s) = %s, not in ::ffff:0:0/96", s, mapped.IP())
			}

			back, err := mapped.FromMappedV6()
			if err != nil {
				t.Fatalf("FromMappedV6() error: %v", err)
			}
			if back.IP() != ip {
				t.Errorf("round trip = %s, want %s", back.IP(), ip)
			}
			if back.Port() != ep.Port() {
				t.Errorf("round trip port = %d, want %d", back.Port(), ep.Port())
			}
		})
	}
}

func TestFromMappedV6Rejects(t *testing.T) {
	t.Parallel()

	ep := addr.New(netip.MustParseAddr("2001:db8::1"), 443)
	if _, err := ep.FromMappedV6(); !errors.Is(err, addr.ErrNotMappedV6) {
		t.Fatalf("FromMappedV6() error = %v, want %v", err, addr.ErrNotMappedV6)
	}
}

func TestToMappedV6Idempotent(t *testing.T) {
	t.Parallel()

	ep := addr.New(netip.MustParseAddr("2001:db8::1"), 443)
	if ep.ToMappedV6() != ep {
		t.Fatalf("ToMappedV6() on a native v6 address must be a no-op")
	}
}
