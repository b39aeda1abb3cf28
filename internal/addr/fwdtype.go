package addr

import "fmt"

// FwdType selects the address-family translation applied to the
// outbound side of a forwarded flow (spec §3, §4.6, GLOSSARY).
type FwdType int

const (
	// Normal forwards using the remote's own address family, untranslated.
	Normal FwdType = iota
	// FourToSix opens a v6 outbound socket, translating the configured
	// v4 remote via ToMappedV6.
	FourToSix
	// SixToFour opens a v4 outbound socket, translating an incoming v6
	// client/remote endpoint via FromMappedV6.
	SixToFour
)

func (f FwdType) String() string {
	switch f {
	case Normal:
		return "normal"
	case FourToSix:
		return "4to6"
	case SixToFour:
		return "6to4"
	default:
		return "unknown"
	}
}

// ParseFwdType accepts the three spelling forms used in config and CLI
// flags.
func ParseFwdType(s string) (FwdType, error) {
	switch s {
	case "normal", "":
		return Normal, nil
	case "4to6":
		return FourToSix, nil
	case "6to4":
		return SixToFour, nil
	default:
		return 0, fmt.Errorf("invalid fwdtype %q: want one of normal, 4to6, 6to4", s)
	}
}

// Translate applies f's translation to remote, the configured fixed
// target endpoint, returning the endpoint the outbound socket should
// actually connect to.
func (f FwdType) Translate(remote Endpoint) (Endpoint, error) {
	switch f {
	case Normal:
		return remote, nil
	case FourToSix:
		return remote.ToMappedV6(), nil
	case SixToFour:
		return remote.FromMappedV6()
	default:
		return Endpoint{}, fmt.Errorf("translate: %w", fmt.Errorf("unknown fwdtype %d", f))
	}
}
