// Package bytesize parses and formats human-readable byte sizes using
// binary (1024) units. "2.5TB", "500 GB", "50gb" and raw byte counts are
// all accepted.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

const (
	B  Size = 1
	KB Size = 1024 * B
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

var units = map[string]Size{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"kib": KB,
	"m":   MB,
	"mb":  MB,
	"mib": MB,
	"g":   GB,
	"gb":  GB,
	"gib": GB,
	"t":   TB,
	"tb":  TB,
	"tib": TB,
}

var sizeRe = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// Parse converts a string like "500GB" or "1.5 tb" to a Size. A bare number
// is taken as bytes.
func Parse(s string) (Size, error) {
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}
	mult, ok := units[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
	}
	return Size(value * float64(mult)), nil
}

// Bytes returns the size as int64.
func (s Size) Bytes() int64 { return int64(s) }

// String formats the size with the largest unit that keeps the value >= 1.
func (s Size) String() string {
	neg := ""
	if s < 0 {
		neg, s = "-", -s
	}
	switch {
	case s >= TB:
		return neg + trim(float64(s)/float64(TB)) + "TB"
	case s >= GB:
		return neg + trim(float64(s)/float64(GB)) + "GB"
	case s >= MB:
		return neg + trim(float64(s)/float64(MB)) + "MB"
	case s >= KB:
		return neg + trim(float64(s)/float64(KB)) + "KB"
	default:
		return fmt.Sprintf("%s%dB", neg, int64(s))
	}
}

func trim(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	out := strconv.FormatFloat(v, 'f', 2, 64)
	out = strings.TrimRight(out, "0")
	return strings.TrimRight(out, ".")
}
