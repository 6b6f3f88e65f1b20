package cloudkv

import (
	"strings"

	"golang.org/x/mod/semver"
)

// DefaultMinVersion is the first host runtime version exposing cloud storage.
const DefaultMinVersion = "6.9"

// Supported reports whether the reported runtime version meets minimum.
// Versions are dotted numbers such as "6.9" or "7.10"; anything that does
// not parse counts as unsupported.
func Supported(reported, minimum string) bool {
	have, ok := canonicalVersion(reported)
	if !ok {
		return false
	}
	want, ok := canonicalVersion(minimum)
	if !ok {
		want = "v" + DefaultMinVersion
	}
	return semver.Compare(have, want) >= 0
}

func canonicalVersion(raw string) (string, bool) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if raw == "" {
		return "", false
	}
	v := "v" + raw
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
