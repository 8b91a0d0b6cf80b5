package thread

import (
	"regexp"
	"strings"
)

// Profile-fact extraction looks for first-person self-assertions in user
// turns. Only stable attributes are kept; conversational noise is not.
var factPatterns = []struct {
	key string
	re  *regexp.Regexp
}{
	{"name", regexp.MustCompile(`(?i)\bmy name is ([A-Z][a-zA-Z'\-]+)`)},
	{"name", regexp.MustCompile(`(?i)\bcall me ([A-Z][a-zA-Z'\-]+)`)},
	{"project", regexp.MustCompile(`(?i)\bi'?\s?a?m working on ((?:an?\s+)?[\w .+#\-]{3,60}?(?:project|app|service|library|website|tool|game))`)},
	{"project", regexp.MustCompile(`(?i)\bworking on (a [\w .+#\-]{3,60}?(?:project|app|service|library|website|tool|game))`)},
	{"role", regexp.MustCompile(`(?i)\bi'?\s?a?m an? ([\w \-]{3,40}?(?:engineer|developer|designer|student|teacher|writer|researcher|manager))`)},
	{"location", regexp.MustCompile(`(?i)\bi live in ([A-Z][\w .\-]{2,40})`)},
}

// ExtractFacts returns profile facts asserted in a user utterance, keyed by
// attribute name. An empty map means nothing stable was asserted.
func ExtractFacts(utterance string) map[string]string {
	facts := make(map[string]string)
	for _, p := range factPatterns {
		if _, seen := facts[p.key]; seen {
			continue
		}
		if m := p.re.FindStringSubmatch(utterance); m != nil {
			facts[p.key] = strings.TrimSpace(m[1])
		}
	}
	return facts
}
