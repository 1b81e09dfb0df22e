// Package message converts message content between its Rocket.Chat and
// Matrix representations. Rocket.Chat uses a small markup language
// (*bold*, _italic_, ~strikethrough~, `code`), Matrix carries the plain
// text in the event body and an optional HTML rendering alongside it.
package message

import (
	"html"
	"regexp"
	"strings"

	"github.com/n42/matrix-rocketchat/internal/matrix"
)

var (
	codeRE   = regexp.MustCompile("`([^`\n]+)`")
	boldRE   = regexp.MustCompile(`\*([^*\n]+)\*`)
	strikeRE = regexp.MustCompile(`~([^~\n]+)~`)
	// Underscores only delimit italics at word edges, file_name stays untouched.
	italicRE = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_($|[\s).,!?:;])`)

	mxReplyRE = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	brRE      = regexp.MustCompile(`<br\s*/?>`)
	tagRE     = regexp.MustCompile(`<[^>]*>`)

	htmlMarkup = strings.NewReplacer(
		"<strong>", "*", "</strong>", "*",
		"<b>", "*", "</b>", "*",
		"<em>", "_", "</em>", "_",
		"<i>", "_", "</i>", "_",
		"<del>", "~", "</del>", "~",
		"<strike>", "~", "</strike>", "~",
		"<code>", "`", "</code>", "`",
	)
)

// ToMatrix renders Rocket.Chat message text for Matrix. The returned body is
// always the original text; formattedBody is an HTML rendering of the
// Rocket.Chat markup, or empty when the text contains none so that plain
// messages stay plain events.
func ToMatrix(text string) (body, formattedBody string) {
	escaped := html.EscapeString(text)

	var sb strings.Builder
	changed := false
	last := 0
	// Code spans are rendered verbatim, markup inside them does not count.
	for _, loc := range codeRE.FindAllStringSubmatchIndex(escaped, -1) {
		sb.WriteString(renderMarkup(escaped[last:loc[0]], &changed))
		sb.WriteString("<code>")
		sb.WriteString(escaped[loc[2]:loc[3]])
		sb.WriteString("</code>")
		changed = true
		last = loc[1]
	}
	sb.WriteString(renderMarkup(escaped[last:], &changed))

	if !changed {
		return text, ""
	}
	return text, strings.ReplaceAll(sb.String(), "\n", "<br/>")
}

func renderMarkup(segment string, changed *bool) string {
	out := boldRE.ReplaceAllString(segment, "<strong>$1</strong>")
	out = strikeRE.ReplaceAllString(out, "<del>$1</del>")
	out = italicRE.ReplaceAllString(out, "$1<em>$2</em>$3")
	if out != segment {
		*changed = true
	}
	return out
}

// ToRocketchat extracts the text to post to Rocket.Chat from Matrix message
// content. Rich replies lose their quoted fallback, and when a client sent
// only an HTML body the markup is translated back into Rocket.Chat notation.
func ToRocketchat(content *matrix.MessageContent) string {
	body := content.Body
	if strings.Contains(content.FormattedBody, "<mx-reply>") {
		body = stripReplyFallback(body)
	}
	if body == "" && content.FormattedBody != "" {
		body = htmlToText(content.FormattedBody)
	}
	return body
}

// stripReplyFallback removes the quoted "> ..." preamble clients prepend to
// the plain body of a rich reply.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

func htmlToText(formatted string) string {
	out := mxReplyRE.ReplaceAllString(formatted, "")
	out = FlattenMentions(out)
	out = brRE.ReplaceAllString(out, "\n")
	out = htmlMarkup.Replace(out)
	out = tagRE.ReplaceAllString(out, "")
	return strings.TrimSpace(html.UnescapeString(out))
}
