package update

import (
	"strconv"
	"strings"
)

// Compare orders two version strings.
//
// Returns 1 when a is newer than b, -1 when older, 0 when equal or when the
// strings do not order (development builds without numeric versions).
//
// Ordering rules:
//   - Dotted numeric segments are compared left to right ("0.62.1" > "0.62.0").
//   - A missing segment counts as zero ("0.62" == "0.62.0").
//   - A pre-release suffix sorts before the plain version of the same base
//     ("0.62.0-rc2" < "0.62.0"); suffixes against each other compare as text.
//   - Non-numeric versions (development build tags) do not order.
func Compare(a, b string) int {
	aBase, aSuffix := splitSuffix(a)
	bBase, bSuffix := splitSuffix(b)

	aParts, aOK := numericParts(aBase)
	bParts, bOK := numericParts(bBase)

	if !aOK || !bOK {
		return 0
	}

	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		av, bv := 0, 0
		if i < len(aParts) {
			av = aParts[i]
		}
		if i < len(bParts) {
			bv = bParts[i]
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}

	// Same numeric base: plain release beats pre-release.
	switch {
	case aSuffix == bSuffix:
		return 0
	case aSuffix == "":
		return 1
	case bSuffix == "":
		return -1
	case aSuffix > bSuffix:
		return 1
	default:
		return -1
	}
}

// splitSuffix separates "0.62.0-rc2" into base "0.62.0" and suffix "rc2".
func splitSuffix(v string) (base, suffix string) {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// numericParts parses a dotted numeric base. ok is false when any segment
// is not a number.
func numericParts(base string) (parts []int, ok bool) {
	if base == "" {
		return nil, false
	}
	for _, seg := range strings.Split(base, ".") {
		n, err := strconv.Atoi(seg)
		if err != nil {
			return nil, false
		}
		parts = append(parts, n)
	}
	return parts, true
}
