package agent

import (
	"regexp"
	"strings"
)

// reasoningTagPatterns match chain-of-thought tags some models leak
// into their text output.
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

// toolXMLPattern matches tool-call XML artifacts emitted as plain text
// instead of proper tool_use blocks.
var toolXMLPattern = regexp.MustCompile(`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`)

// SanitizeAssistantText cleans a final assistant message before it is
// stored and delivered: strips leaked reasoning tags and tool-call XML,
// collapses repeated paragraphs, and trims surrounding whitespace.
func SanitizeAssistantText(text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range reasoningTagPatterns {
			text = pat.ReplaceAllString(text, "")
		}
	}
	if strings.Contains(text, "<tool_") || strings.Contains(text, "<function_call") ||
		strings.Contains(text, "<invoke") || strings.Contains(text, "<parameter") {
		text = toolXMLPattern.ReplaceAllString(text, "")
	}
	text = collapseRepeatedParagraphs(text)
	return strings.TrimSpace(text)
}

// collapseRepeatedParagraphs drops a paragraph identical to the one
// before it, a failure mode of smaller models under retry.
func collapseRepeatedParagraphs(text string) string {
	paras := strings.Split(text, "\n\n")
	if len(paras) <= 1 {
		return text
	}
	out := paras[:1]
	for _, p := range paras[1:] {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if strings.TrimSpace(p) == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "\n\n")
}

// silentToken is the model's way of declining to reply; the reply is
// stored for context but never delivered.
const silentToken = "NO_REPLY"

// IsSilentReply reports whether text is (or starts/ends with) the
// silent-reply token.
func IsSilentReply(text string) bool {
	t := strings.TrimSpace(text)
	if t == silentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(t, silentToken); ok {
		return rest == "" || !isWordByte(rest[0])
	}
	if rest, ok := strings.CutSuffix(t, silentToken); ok {
		return rest == "" || !isWordByte(rest[len(rest)-1])
	}
	return false
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
