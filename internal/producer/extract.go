package producer

import (
	"regexp"
	"strings"
)

// extractionPattern matches quoted strings or unquoted comma/whitespace/line
// tokens, tolerating the mix of list styles providers actually emit.
var extractionPattern = regexp.MustCompile(`"([^"]+)"|([^,\n\s]+)`)

// sentinelWords are chat-scaffolding tokens that show up in malformed
// responses and are never valid attributes.
var sentinelWords = map[string]bool{
	"assistant": true,
	"user":      true,
	"system":    true,
	"entries":   true,
}

// edgePunctuation is trimmed from token boundaries before filtering.
const edgePunctuation = ".,;:!?()[]{}\"'`*•- \t"

// ExtractAttributes pulls candidate attributes out of a raw provider
// response: quoted strings and bare tokens, lowercased, longer than two
// characters, sentinel-filtered, deduplicated in order of first appearance,
// and truncated to max.
func ExtractAttributes(response string, max int) []string {
	if max <= 0 {
		max = 10
	}

	seen := make(map[string]bool)
	var out []string
	for _, match := range extractionPattern.FindAllStringSubmatch(response, -1) {
		var raw string
		if match[1] != "" {
			raw = match[1]
		} else {
			raw = match[2]
		}

		attr := strings.ToLower(strings.Trim(raw, edgePunctuation))
		if len(attr) <= 2 || sentinelWords[attr] {
			continue
		}
		if strings.Contains(attr, "assistant") {
			continue
		}
		if seen[attr] {
			continue
		}
		seen[attr] = true
		out = append(out, attr)
		if len(out) >= max {
			break
		}
	}
	return out
}
