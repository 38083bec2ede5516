package llm

import (
	"regexp"
	"strings"
)

// truncate shortens s to at most n runes for debug-log previews.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// chooseModel prefers a per-request override over the provider's configured
// default model.
func chooseModel(requested, configured string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return configured
}

var toolResultImageDataURLRegex = regexp.MustCompile(`data:([\w/.+-]+);base64,([A-Za-z0-9+/=\s]+)`)

// parseToolResultImageData extracts an embedded "data:<mime>;base64,<data>"
// URL from a flattened tool-result string, for providers (Gemini) whose
// function-response payload can't carry a structured image part directly.
// Returns the text with the data URL removed alongside the extracted parts.
func parseToolResultImageData(content string) (mimeType, base64Data, text string) {
	match := toolResultImageDataURLRegex.FindStringSubmatchIndex(content)
	if match == nil {
		return "", "", content
	}
	mimeType = content[match[2]:match[3]]
	base64Data = strings.Join(strings.Fields(content[match[4]:match[5]]), "")
	text = content[:match[0]] + content[match[1]:]
	return mimeType, base64Data, strings.TrimSpace(text)
}
