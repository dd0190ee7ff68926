package kg

import (
	"strings"
	"time"
)

// NewVersion generates a graph version identifier: the current UTC time in
// milliseconds, serialized as a decimal string. Triggers are serialized by
// the state lock, so two versions never share a millisecond on one instance.
func NewVersion() string {
	return formatVersion(time.Now().UTC())
}

func formatVersion(t time.Time) string {
	ms := t.UnixMilli()
	// strconv would do; keep the fast path allocation-free for the hot
	// status endpoint which compares versions per request.
	if ms <= 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for ms > 0 {
		i--
		buf[i] = byte('0' + ms%10)
		ms /= 10
	}
	return string(buf[i:])
}

// CompareVersions orders version strings by length then lexically, which for
// decimal millisecond timestamps is numeric order without parsing. Returns
// -1, 0 or 1.
func CompareVersions(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// VersionTime parses a version back into its UTC timestamp. Used by hooks
// that interpret "since" as a created-at lower bound.
func VersionTime(version string) (time.Time, bool) {
	if version == "" || len(version) > 19 {
		return time.Time{}, false
	}
	var ms int64
	for _, c := range version {
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
		ms = ms*10 + int64(c-'0')
	}
	return time.UnixMilli(ms).UTC(), true
}
