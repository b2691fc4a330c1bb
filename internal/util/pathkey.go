// Package util holds small shared helpers.
package util

import (
	"crypto/md5" //nolint:gosec // not used for security, just short stable names
	"encoding/hex"
	"path/filepath"
	"strings"
)

// PathKey normalizes a file path for map lookups and equality tests.
// Paths coming from the media report, the control documents and the state
// file may differ in separators and case; comparisons are case-insensitive
// on the cleaned form.
func PathKey(p string) string {
	return strings.ToLower(filepath.Clean(p))
}

// HashPrefix returns the first 12 hex characters of the MD5 of the source
// path. Staged files are flat-named with this prefix to avoid path-length
// limits and collisions between identically named files.
func HashPrefix(sourcePath string) string {
	sum := md5.Sum([]byte(sourcePath)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:12]
}
