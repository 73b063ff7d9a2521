package memory

import (
	"regexp"
	"strings"
)

// The extractor is heuristic and replaceable: string patterns guessing
// which parts of free text are worth retaining. It stays isolated here so
// conversation flow never depends on its details.

var (
	reLikes    = regexp.MustCompile(`(?i)i (?:like|love) (.+?)(?:\.|,|$)`)
	reDislikes = regexp.MustCompile(`(?i)i (?:hate|dislike|don't like) (.+?)(?:\.|,|$)`)
	rePrefers  = regexp.MustCompile(`(?i)i prefer (.+?)(?:\.|,|$)`)

	personalPatterns = []struct {
		re       *regexp.Regexp
		template string
	}{
		{regexp.MustCompile(`(?i)my name is (\w+)`), "User name: $1"},
		{regexp.MustCompile(`(?i)i work (?:at|for) (.+?)(?:\.|,|$)`), "User works at: $1"},
		{regexp.MustCompile(`(?i)i live in (.+?)(?:\.|,|$)`), "User lives in: $1"},
		{regexp.MustCompile(`(?i)i'm (?:a|an) (.+?)(?:\.|,|$)`), "User is: $1"},
		{regexp.MustCompile(`(?i)my (.+?) is (.+?)(?:\.|,|$)`), "User $1: $2"},
	}

	insightKeywords = []string{"important", "remember", "key", "recommend"}
)

// ExtractUserContext distills a retainable fact from a user message, or
// returns false when nothing looks worth keeping.
func ExtractUserContext(content string) (string, bool) {
	lower := strings.ToLower(content)

	if strings.Contains(lower, "i like") || strings.Contains(lower, "i love") {
		if m := reLikes.FindStringSubmatch(content); m != nil {
			return "User likes: " + strings.TrimSpace(m[1]), true
		}
	}

	if strings.Contains(lower, "i hate") || strings.Contains(lower, "i dislike") || strings.Contains(lower, "i don't like") {
		if m := reDislikes.FindStringSubmatch(content); m != nil {
			return "User dislikes: " + strings.TrimSpace(m[1]), true
		}
	}

	for _, p := range personalPatterns {
		if m := p.re.FindStringSubmatch(content); m != nil {
			out := strings.Replace(p.template, "$1", strings.TrimSpace(m[1]), 1)
			if len(m) > 2 {
				out = strings.Replace(out, "$2", strings.TrimSpace(m[2]), 1)
			}
			return out, true
		}
	}

	if strings.Contains(lower, "prefer") && !strings.Contains(lower, "i prefer not") {
		if m := rePrefers.FindStringSubmatch(content); m != nil {
			return "User prefers: " + strings.TrimSpace(m[1]), true
		}
	}

	if strings.Contains(lower, "hobby") || strings.Contains(lower, "hobbies") {
		return "User hobby: " + content, true
	}

	return "", false
}

// ExtractInsight pulls the first sentence of an assistant reply that reads
// like a recommendation or key fact, or returns false.
func ExtractInsight(content string) (string, bool) {
	lower := strings.ToLower(content)
	matched := false
	for _, kw := range insightKeywords {
		if strings.Contains(lower, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}

	for _, sentence := range strings.Split(content, ". ") {
		ls := strings.ToLower(sentence)
		for _, kw := range insightKeywords {
			if strings.Contains(ls, kw) {
				return "Assistant insight: " + sentence, true
			}
		}
	}
	return "", false
}
