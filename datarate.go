package csmanet

// datarate.go holds the parsing of link data rates and times given as strings
// on the command line or in a scenario description

import (
	"fmt"
	"strconv"
	"strings"
)

// DataRate is a link transmission rate, in bits per second
type DataRate uint64

// rateUnits maps the unit suffix of a data rate string to the number of bits per second
// one unit represents.  Decimal prefixes are powers of 1000, the 'i' prefixes powers of 1024
var rateUnits map[string]float64 = map[string]float64{
	"bps": 1, "b/s": 1,
	"kbps": 1e3, "kb/s": 1e3, "Kbps": 1e3, "Kb/s": 1e3,
	"Mbps": 1e6, "Mb/s": 1e6,
	"Gbps": 1e9, "Gb/s": 1e9,
	"Bps": 8, "B/s": 8,
	"kBps": 8e3, "kB/s": 8e3, "KBps": 8e3, "KB/s": 8e3,
	"MBps": 8e6, "MB/s": 8e6,
	"GBps": 8e9, "GB/s": 8e9,
	"Kib/s": 1024, "Mib/s": 1024 * 1024, "Gib/s": 1024 * 1024 * 1024,
	"KiB/s": 8 * 1024, "MiB/s": 8 * 1024 * 1024, "GiB/s": 8 * 1024 * 1024 * 1024,
}

// splitNumber separates a string like "0.5ms" into its leading number and its unit suffix
func splitNumber(str string) (float64, string, error) {
	str = strings.TrimSpace(str)
	idx := 0
	for idx < len(str) {
		c := str[idx]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			// a trailing 'e' or 'E' is only part of the number when followed by a digit or sign
			if (c == 'e' || c == 'E') && (idx+1 >= len(str) || !strings.ContainsRune("0123456789+-", rune(str[idx+1]))) {
				break
			}
			idx += 1
			continue
		}
		break
	}
	if idx == 0 {
		return 0, "", fmt.Errorf("no number in %q", str)
	}
	value, err := strconv.ParseFloat(str[:idx], 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad number in %q: %w", str, err)
	}
	return value, strings.TrimSpace(str[idx:]), nil
}

// ParseDataRate converts a string such as "1Mb/s" or "100kbps" into a DataRate.
// A number without a unit is taken to be bits per second
func ParseDataRate(str string) (DataRate, error) {
	value, unit, err := splitNumber(str)
	if err != nil {
		return 0, fmt.Errorf("data rate: %w", err)
	}

	scale := 1.0
	if len(unit) > 0 {
		var present bool
		scale, present = rateUnits[unit]
		if !present {
			return 0, fmt.Errorf("data rate %q: unknown unit %q", str, unit)
		}
	}

	if value*scale < 1 {
		return 0, fmt.Errorf("data rate %q must be at least 1b/s", str)
	}
	return DataRate(value * scale), nil
}

// String renders the rate with the largest decimal unit that leaves an integral value
func (dr DataRate) String() string {
	switch {
	case dr >= 1e9 && dr%1e9 == 0:
		return fmt.Sprintf("%dGb/s", dr/1e9)
	case dr >= 1e6 && dr%1e6 == 0:
		return fmt.Sprintf("%dMb/s", dr/1e6)
	case dr >= 1e3 && dr%1e3 == 0:
		return fmt.Sprintf("%dkb/s", dr/1e3)
	}
	return fmt.Sprintf("%db/s", uint64(dr))
}

// TxTime returns the number of seconds needed to clock the given number of bytes onto a link
func (dr DataRate) TxTime(bytes int) float64 {
	return float64(bytes*8) / float64(dr)
}

// timeUnits maps a time unit suffix onto its length in seconds
var timeUnits map[string]float64 = map[string]float64{
	"s": 1, "ms": 1e-3, "us": 1e-6, "ns": 1e-9, "ps": 1e-12, "fs": 1e-15,
	"min": 60, "h": 3600, "d": 86400,
}

// ParseTime converts a string such as "0.5ms" or "2s" into seconds.  A bare
// number is taken to be in seconds
func ParseTime(str string) (float64, error) {
	value, unit, err := splitNumber(str)
	if err != nil {
		return 0, fmt.Errorf("time: %w", err)
	}
	if len(unit) == 0 {
		unit = "s"
	}
	scale, present := timeUnits[unit]
	if !present {
		return 0, fmt.Errorf("time %q: unknown unit %q", str, unit)
	}
	if value < 0 {
		return 0, fmt.Errorf("time %q must not be negative", str)
	}
	return value * scale, nil
}
