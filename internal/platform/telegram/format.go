package telegram

import (
	"regexp"
	"strings"
)

// ToTelegramHTML converts the markdown staff write in Mattermost into
// Telegram's HTML subset. Unsupported constructs pass through as text.
func ToTelegramHTML(md string) string {
	lines := strings.Split(md, "\n")
	var out strings.Builder
	inFence := false

	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			if !inFence {
				lang := strings.TrimSpace(strings.TrimPrefix(line, "```"))
				if lang != "" {
					out.WriteString(`<pre><code class="language-` + escapeHTML(lang) + `">`)
				} else {
					out.WriteString("<pre><code>")
				}
				inFence = true
			} else {
				out.WriteString("</code></pre>")
				inFence = false
			}
		} else if inFence {
			out.WriteString(escapeHTML(line))
		} else {
			out.WriteString(inlineHTML(line))
		}
		if i < len(lines)-1 {
			out.WriteString("\n")
		}
	}
	if inFence {
		out.WriteString("</code></pre>")
	}
	return out.String()
}

var (
	// Code spans are handled before bold/italic so markers inside code
	// survive untouched.
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

func inlineHTML(line string) string {
	type span struct {
		placeholder string
		html        string
	}
	var spans []span
	n := 0
	line = reInlineCode.ReplaceAllStringFunc(line, func(match string) string {
		inner := reInlineCode.FindStringSubmatch(match)[1]
		placeholder := "\x00C" + string(rune('A'+n)) + "\x00"
		n++
		spans = append(spans, span{placeholder, "<code>" + escapeHTML(inner) + "</code>"})
		return placeholder
	})

	line = escapeHTML(line)
	line = reBold.ReplaceAllString(line, "<b>$1</b>")
	line = reItalic.ReplaceAllString(line, "<i>$1</i>")
	line = reLink.ReplaceAllString(line, `<a href="$2">$1</a>`)

	for _, s := range spans {
		line = strings.Replace(line, escapeHTML(s.placeholder), s.html, 1)
	}
	return line
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

var reFence = regexp.MustCompile("```[\\s\\S]*?```")

// StripFormatting removes markdown markers, the fallback when a
// converted message is rejected by Telegram's HTML parser.
func StripFormatting(md string) string {
	result := reFence.ReplaceAllStringFunc(md, func(match string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(match, "```"), "```")
		if idx := strings.Index(inner, "\n"); idx >= 0 {
			inner = inner[idx+1:]
		}
		return inner
	})
	result = reInlineCode.ReplaceAllString(result, "$1")
	result = reBold.ReplaceAllString(result, "$1")
	result = reItalic.ReplaceAllString(result, "$1")
	result = reLink.ReplaceAllString(result, "$1 ($2)")
	return result
}
