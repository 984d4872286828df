package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MQTT bridges occasionally leak their own chatter onto the mesh: hostname
// beacons, asset paths from embedded web servers, binary garbage. Those rows
// are kept for diagnostics but flagged so feeds can hide them.
var (
	versionedHostPattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.[a-f0-9]+$`)
	assetPathPattern     = regexp.MustCompile(`^/.*\.(js|css|proto|html)$`)
)

// LooksBridged reports whether a text message is bridge chatter rather than
// something a person typed.
func LooksBridged(text string, senderKnown, viaMQTT bool) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return viaMQTT && !senderKnown
	}

	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "mqtt.") || strings.Contains(lower, "areyoumeshingwith.us") {
		return true
	}
	if versionedHostPattern.MatchString(lower) {
		return true
	}
	if assetPathPattern.MatchString(lower) {
		return true
	}
	if !utf8.ValidString(trimmed) || garbageRatio(trimmed) > 0.3 {
		return true
	}
	if viaMQTT && !senderKnown {
		return true
	}

	return false
}

func garbageRatio(text string) float64 {
	var total, bad int
	for _, r := range text {
		total++
		if r == utf8.RuneError || (r < 0x20 && r != '\n' && r != '\r' && r != '\t') {
			bad++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total)
}
