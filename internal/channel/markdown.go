// ABOUTME: Renders operator Markdown into Matrix message content
// ABOUTME: Plain text stays plain; anything with formatting gets an HTML formatted_body

package channel

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// renderMarkdown returns text as HTML, or "" when the HTML would carry no
// more than the plain body.
func renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	rendered := strings.TrimSpace(buf.String())
	// A single paragraph is sent without its wrapper.
	inner := strings.TrimSuffix(strings.TrimPrefix(rendered, "<p>"), "</p>")
	if !strings.Contains(inner, "<p>") {
		rendered = inner
	}
	if !strings.ContainsRune(rendered, '<') {
		return ""
	}
	return rendered
}

// textContent builds an m.text event with an HTML body when useful.
func textContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if formatted := renderMarkdown(text); formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}
