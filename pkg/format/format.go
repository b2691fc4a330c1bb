// Package format provides human-readable formatting utilities.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Bytes formats a byte count into human-readable form.
// Example: Bytes(1610612736) => "1.5 GB"
func Bytes(b int64) string {
	neg := ""
	if b < 0 {
		neg, b = "-", -b
	}
	const unit = int64(1024)
	switch {
	case b >= unit*unit*unit*unit:
		return fmt.Sprintf("%s%.2f TB", neg, float64(b)/float64(unit*unit*unit*unit))
	case b >= unit*unit*unit:
		return fmt.Sprintf("%s%.1f GB", neg, float64(b)/float64(unit*unit*unit))
	case b >= unit*unit:
		return fmt.Sprintf("%s%.0f MB", neg, float64(b)/float64(unit*unit))
	default:
		return fmt.Sprintf("%s%.0f KB", neg, float64(b)/float64(unit))
	}
}

// Duration formats a duration compactly: "45s", "13m 20s", "2h 13m".
func Duration(d time.Duration) string {
	secs := d.Seconds()
	switch {
	case secs < 60:
		return fmt.Sprintf("%.0fs", secs)
	case secs < 3600:
		return fmt.Sprintf("%.0fm %.0fs", secs/60, float64(int(secs)%60))
	default:
		h := int(secs) / 3600
		m := (int(secs) % 3600) / 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

// Seconds formats a duration given in seconds.
func Seconds(secs float64) string {
	return Duration(time.Duration(secs * float64(time.Second)))
}

var printer = message.NewPrinter(language.English)

// Number formats a number with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Percentage formats a ratio as a percentage with one decimal.
func Percentage(value float64) string {
	return fmt.Sprintf("%.1f%%", value)
}
