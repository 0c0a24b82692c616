package retrieve

import "strings"

const snippetMaxLen = 320

// buildSnippet clips text to snippetMaxLen characters at a word boundary and
// applies the container's snippet_template (e.g. "{title} — {snippet}") when
// configured.
func buildSnippet(text, template, title string) string {
	clipped := clipAtWordBoundary(text, snippetMaxLen)
	if template == "" {
		return clipped
	}
	out := strings.ReplaceAll(template, "{snippet}", clipped)
	out = strings.ReplaceAll(out, "{title}", title)
	return out
}

func clipAtWordBoundary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	clipped := text[:max]
	if idx := strings.LastIndexByte(clipped, ' '); idx > 0 {
		clipped = clipped[:idx]
	}
	return strings.TrimSpace(clipped)
}
