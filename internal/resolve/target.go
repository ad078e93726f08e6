package resolve

import (
	"fmt"
	"net"
	"strconv"
)

// TargetKind is how a command-line target token names sensors.
type TargetKind int

const (
	// TargetAll addresses every sensor the discovery window finds.
	TargetAll TargetKind = iota
	// TargetIP addresses one sensor by its IP address.
	TargetIP
	// TargetSerial addresses one sensor by serial number.
	TargetSerial
)

// Target is one parsed target token.
type Target struct {
	Kind   TargetKind
	IP     net.IP
	Serial uint16
}

func (t Target) String() string {
	switch t.Kind {
	case TargetAll:
		return "all"
	case TargetIP:
		return t.IP.String()
	case TargetSerial:
		return strconv.Itoa(int(t.Serial))
	default:
		return "invalid"
	}
}

// ParseTargets parses target tokens: "all" (or "a"), an IPv4 address, or a serial
// number in 0..65535. Duplicates are collapsed. Tokens that parse as
// none of the three are returned in invalid; the valid ones still resolve.
func ParseTargets(tokens []string) (targets []Target, invalid []string) {
	seen := make(map[string]bool)
	for _, tok := range tokens {
		t, err := parseTarget(tok)
		if err != nil {
			invalid = append(invalid, tok)
			continue
		}
		key := t.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, t)
	}
	return targets, invalid
}

func parseTarget(tok string) (Target, error) {
	// "a" is the accepted short form of "all".
	if tok == "all" || tok == "a" {
		return Target{Kind: TargetAll}, nil
	}
	if ip := net.ParseIP(tok); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return Target{Kind: TargetIP, IP: ip4}, nil
		}
		return Target{}, fmt.Errorf("resolve: %q is not an IPv4 address", tok)
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return Target{}, fmt.Errorf("resolve: %q is not a target", tok)
	}
	if n < 0 || n > 65535 {
		return Target{}, fmt.Errorf("resolve: serial %d out of range 0..65535", n)
	}
	return Target{Kind: TargetSerial, Serial: uint16(n)}, nil
}
