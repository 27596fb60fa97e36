package vaultfs

import (
	"fmt"

	"golang.org/x/mod/semver"
)

const (
	// FormatVersion is the current storage format version. It only changes
	// when the on-disk layout changes, independent of releases.
	FormatVersion = "0.10"

	// MinSupportedFormatVersion is the oldest storage format this version
	// can still open (with upgrade).
	MinSupportedFormatVersion = "0.9.4"

	// ReleaseVersion is the version recorded as creator_version and
	// last_opened_version in descriptors this build touches.
	ReleaseVersion = "1.0.2"
)

// versionIsOlder reports whether version a orders strictly before version b.
// Versions are plain dotted strings without the "v" prefix.
func versionIsOlder(a, b string) bool {
	return semver.Compare("v"+a, "v"+b) < 0
}

// validVersion reports whether s parses as a version string
func validVersion(s string) bool {
	return semver.IsValid("v" + s)
}

// normalizeLegacyFormatVersion fixes descriptors written by releases 0.9.7
// and 0.9.8, which stored their release version where the format version
// belongs. Their actual storage format is 0.9.6. The fixup is in-memory;
// the rewritten value reaches disk on the next refresh save.
func normalizeLegacyFormatVersion(v string) string {
	if v == "0.9.7" || v == "0.9.8" {
		return "0.9.6"
	}
	return v
}

// checkFormatVersion applies the format version gates to an already
// normalized version string.
func checkFormatVersion(v string, allowUpgrade bool) error {
	if !validVersion(v) {
		return NewLoadError(CodeInvalidFilesystem, fmt.Sprintf("unparseable format version %q", v))
	}
	if versionIsOlder(v, MinSupportedFormatVersion) {
		return NewLoadError(CodeTooOldFormat,
			fmt.Sprintf("filesystem format %s is no longer supported (minimum %s)", v, MinSupportedFormatVersion))
	}
	if versionIsOlder(FormatVersion, v) {
		return NewLoadError(CodeTooNewFormat,
			fmt.Sprintf("filesystem format %s is newer than supported format %s", v, FormatVersion))
	}
	if !allowUpgrade && versionIsOlder(v, FormatVersion) {
		return NewLoadError(CodeUpgradeRequired,
			fmt.Sprintf("filesystem format %s needs migration to %s", v, FormatVersion))
	}
	return nil
}
