package addr_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
)

func TestParseFwdType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  addr.FwdType
	}{
		{"normal", addr.Normal},
		{"", addr.Normal},
		{"4to6", addr.FourToSix},
		{"6to4", addr.SixToFour},
	}
	for _, tt := range tests {
		got, err := addr.ParseFwdType(tt.input)
		if err != nil {
			t.Fatalf("ParseFwdType(%q) error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseFwdType(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if _, err := addr.ParseFwdType("bogus"); err == nil {
		t.Fatal("ParseFwdType(\"bogus\") succeeded, want error")
	}
}

func TestFourToSixTranslatesV4Remote(t *testing.T) {
	t.Parallel()

	remote := addr.New(netip.MustParseAddr("192.0.2.1"), 443)
	got, err := addr.FourToSix.Translate(remote)
	if err != nil {
		t.Fatalf("Translate() error: %v", err)
	}
	if !got.IsMappedV6() {
		t.Fatalf("Translate() = %s, want a mapped v6 address", got)
	}
	if got.Port() != 443 {
		t.Errorf("Translate() port = %d, want 443", got.Port())
	}
}

func TestSixToFourRejectsNonMapped(t *testing.T) {
	t.Parallel()

	remote := addr.New(netip.MustParseAddr("2001:db8::1"), 443)
	if _, err := addr.SixToFour.Translate(remote); err == nil {
		t.Fatal("Translate() succeeded for a non-mapped v6 address, want error")
	}
}
