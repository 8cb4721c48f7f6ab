package channels

import (
	"regexp"
	"strings"
)

var (
	reCodeBlock  = regexp.MustCompile("(?s)```(?:\\w+)?\\n?(.*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reHeaders    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reBlockquote = regexp.MustCompile(`(?m)^>\s?(.*)$`)
	reLinks      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBoldStar   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	reItalic     = regexp.MustCompile(`(^|[^a-zA-Z0-9_])_([^_]+?)_($|[^a-zA-Z0-9_])`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reBullet     = regexp.MustCompile(`(?m)^[ \t]*[-*]\s+`)
)

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// MarkdownToTelegramHTML converts LLM-produced Markdown into the HTML subset
// Telegram's Bot API accepts with parseMode=HTML. Code spans are protected
// before the rest of the substitutions run, then restored and escaped last,
// so markup characters inside code never get reinterpreted as formatting.
func MarkdownToTelegramHTML(text string) string {
	var codeBlocks, inlineCodes []string

	text = reCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		groups := reCodeBlock.FindStringSubmatch(m)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, groups[1])
		return "\x00CB" + itoa(idx) + "\x00"
	})

	text = reInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		groups := reInlineCode.FindStringSubmatch(m)
		idx := len(inlineCodes)
		inlineCodes = append(inlineCodes, groups[1])
		return "\x00IC" + itoa(idx) + "\x00"
	})

	text = reHeaders.ReplaceAllString(text, "$1")
	text = reBlockquote.ReplaceAllString(text, "$1")

	text = escapeHTML(text)

	text = reLinks.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reBoldStar.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = reItalic.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = reStrike.ReplaceAllString(text, "<s>$1</s>")
	text = reBullet.ReplaceAllString(text, "• ")

	for idx, code := range inlineCodes {
		text = strings.ReplaceAll(text, "\x00IC"+itoa(idx)+"\x00", "<code>"+escapeHTML(code)+"</code>")
	}
	for idx, code := range codeBlocks {
		text = strings.ReplaceAll(text, "\x00CB"+itoa(idx)+"\x00", "<pre><code>"+escapeHTML(code)+"</code></pre>")
	}

	return text
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

// SplitMessage breaks text into chunks no longer than maxLen, preferring to
// break at the last newline within the limit so a chunk boundary doesn't
// land mid-sentence. Falls back to a hard split when no newline is found.
// Shared by every adapter that must respect a platform message-length cap
// (Telegram 4096, Discord 2000, Slack 4000).
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := strings.LastIndexByte(remaining[:maxLen], '\n')
		if splitAt <= 0 {
			splitAt = maxLen
		}

		chunks = append(chunks, remaining[:splitAt])
		rest := remaining[splitAt:]
		remaining = strings.TrimPrefix(rest, "\n")
	}

	return chunks
}
