package phases

import (
	"strings"
	"unicode"
)

// Bloom levels in ascending cognitive order.
var bloomLevels = []string{"remember", "understand", "apply", "analyze", "evaluate", "create"}

var bloomVerbs = map[string][]string{
	"remember":   {"define", "list", "recall", "identify", "name", "state", "recognize"},
	"understand": {"explain", "describe", "summarize", "classify", "interpret", "discuss"},
	"apply":      {"apply", "use", "implement", "execute", "solve", "demonstrate", "calculate"},
	"analyze":    {"analyze", "compare", "contrast", "differentiate", "examine", "organize"},
	"evaluate":   {"evaluate", "assess", "judge", "critique", "justify", "prioritize"},
	"create":     {"create", "design", "build", "compose", "develop", "formulate", "plan"},
}

// BloomLevel returns the 1-based level of the highest Bloom verb in text.
// Text without any verb is treated as "understand".
func BloomLevel(text string) int {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = true
	}
	level := 0
	for i, name := range bloomLevels {
		for _, verb := range bloomVerbs[name] {
			if words[verb] {
				level = i + 1
				break
			}
		}
	}
	if level == 0 {
		return 2
	}
	return level
}

// BloomName maps a 1-based level to its name.
func BloomName(level int) string {
	if level < 1 || level > len(bloomLevels) {
		return bloomLevels[1]
	}
	return bloomLevels[level-1]
}

// Band groups Bloom levels into the difficulty bands courses are organized by.
func Band(level int) string {
	switch {
	case level <= 2:
		return "foundation"
	case level == 3:
		return "application"
	case level == 4:
		return "analysis"
	default:
		return "critical"
	}
}

var bandOrder = []string{"foundation", "application", "analysis", "critical"}
