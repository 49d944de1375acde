// Package macaddr canonicalises gateway/sensor MAC addresses and converts
// raw battery millivolts into a display percentage.
package macaddr

import (
	"math"
	"strings"
)

// Canonical upper-cases a MAC and inserts ':' every two hex characters if
// the separator is not already present. Already-colonised input is left
// intact (aside from case folding), so Canonical is idempotent.
func Canonical(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if strings.Contains(mac, ":") {
		return mac
	}

	var b strings.Builder
	for i, r := range mac {
		if i > 0 && i%2 == 0 {
			b.WriteByte(':')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BatteryPercent converts a raw millivolt reading into a 0-100 percentage,
// clamped at both ends of the 2500-3600mV operating range.
func BatteryPercent(mv float64) int {
	pct := (mv - 2500) / (3600 - 2500) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return int(math.Round(pct))
}
