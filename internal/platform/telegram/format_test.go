package telegram

import (
	"strings"
	"testing"
)

func TestBold(t *testing.T) {
	got := ToTelegramHTML("This is **bold** text")
	if !strings.Contains(got, "<b>bold</b>") {
		t.Errorf("expected bold tag, got %q", got)
	}
}

func TestItalic(t *testing.T) {
	got := ToTelegramHTML("This is *italic* text")
	if !strings.Contains(got, "<i>italic</i>") {
		t.Errorf("expected italic tag, got %q", got)
	}
}

func TestInlineCode(t *testing.T) {
	got := ToTelegramHTML("Run `deskbridgectl health` first")
	if !strings.Contains(got, "<code>deskbridgectl health</code>") {
		t.Errorf("expected code tag, got %q", got)
	}
}

func TestCodeBlock(t *testing.T) {
	md := "```sh\ntail -f /var/log/app.log\n```"
	got := ToTelegramHTML(md)
	if !strings.Contains(got, `<pre><code class="language-sh">`) {
		t.Errorf("expected pre/code with language, got %q", got)
	}
	if !strings.Contains(got, "</code></pre>") {
		t.Errorf("expected closing pre/code, got %q", got)
	}
}

func TestCodeBlockNoLang(t *testing.T) {
	got := ToTelegramHTML("```\nhello\n```")
	if !strings.Contains(got, "<pre><code>") {
		t.Errorf("expected pre/code without language, got %q", got)
	}
}

func TestLink(t *testing.T) {
	got := ToTelegramHTML("See [the docs](https://example.com)")
	if !strings.Contains(got, `<a href="https://example.com">the docs</a>`) {
		t.Errorf("expected link tag, got %q", got)
	}
}

func TestHTMLEscaping(t *testing.T) {
	got := ToTelegramHTML("Use <script> & tags")
	if strings.Contains(got, "<script>") {
		t.Errorf("expected HTML escaped, got %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") || !strings.Contains(got, "&amp;") {
		t.Errorf("expected escaped entities, got %q", got)
	}
}

func TestPlainTextUnchanged(t *testing.T) {
	input := "Just plain text, nothing special."
	if got := ToTelegramHTML(input); got != input {
		t.Errorf("expected unchanged text, got %q", got)
	}
}

func TestCodeBlockContentEscaped(t *testing.T) {
	got := ToTelegramHTML("```html\n<div>test</div>\n```")
	if strings.Contains(got, "<div>") {
		t.Errorf("expected HTML in code block escaped, got %q", got)
	}
}

func TestStripFormatting(t *testing.T) {
	md := "**bold** and *italic* with `code` and [link](https://example.com)"
	got := StripFormatting(md)
	if strings.ContainsAny(got, "*`") {
		t.Errorf("expected markers removed, got %q", got)
	}
	if !strings.Contains(got, "link (https://example.com)") {
		t.Errorf("expected link flattened, got %q", got)
	}
}
