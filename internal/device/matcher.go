package device

import (
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Matcher identifies the target's USB CDC serial interface among all serial
// ports. The name heuristic keeps the debug probe's own UART out.
type Matcher struct {
	VendorID     uint16   `mapstructure:"vendor_id"`
	ProductIDs   []uint16 `mapstructure:"product_ids"`
	NameContains string   `mapstructure:"name_contains"`
	NameExcludes string   `mapstructure:"name_excludes"`
}

func DefaultMatcher() Matcher {
	return Matcher{
		VendorID:     0x2E8A,
		ProductIDs:   []uint16{0x0009, 0x000A, 0x0005},
		NameContains: "Pico",
		NameExcludes: "Debug",
	}
}

// Match reports whether p is the target device.
func (m Matcher) Match(p *enumerator.PortDetails) bool {
	if p == nil || !p.IsUSB {
		return false
	}
	vid, vok := parseID(p.VID)
	pid, pok := parseID(p.PID)
	if vok && pok && vid == m.VendorID {
		for _, want := range m.ProductIDs {
			if pid == want {
				return true
			}
		}
	}
	if m.NameContains == "" || !strings.Contains(p.Product, m.NameContains) {
		return false
	}
	return m.NameExcludes == "" || !strings.Contains(p.Product, m.NameExcludes)
}

// parseID parses the hex id strings the enumerator reports ("2E8A").
func parseID(s string) (uint16, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
