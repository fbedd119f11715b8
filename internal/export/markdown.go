package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"reviewroom/api/internal/room"
)

// MarkdownToHTML renders the subset of Markdown the PRD editor produces:
// headings, emphasis, inline code, fenced code blocks, lists and paragraphs.
// Decision anchors become callout blocks instead of raw tag text.
func MarkdownToHTML(md string) string {
	md, anchors := extractAnchorPlaceholders(md)

	var b strings.Builder
	lines := strings.Split(md, "\n")

	inCode := false
	inList := false
	listTag := ""
	var paragraph []string

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		b.WriteString("<p>")
		b.WriteString(renderInline(strings.Join(paragraph, "<br>")))
		b.WriteString("</p>\n")
		paragraph = nil
	}
	closeList := func() {
		if inList {
			b.WriteString("</" + listTag + ">\n")
			inList = false
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			flushParagraph()
			closeList()
			if inCode {
				b.WriteString("</code></pre>\n")
			} else {
				b.WriteString("<pre><code>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			b.WriteString(html.EscapeString(line))
			b.WriteString("\n")
			continue
		}

		if ph, ok := anchorPlaceholder(trimmed); ok {
			flushParagraph()
			closeList()
			b.WriteString(renderDecisionBlock(anchors[ph]))
			continue
		}

		if level, text, ok := headingLine(trimmed); ok {
			flushParagraph()
			closeList()
			fmt.Fprintf(&b, "<h%d>%s</h%d>\n", level, renderInline(html.EscapeString(text)), level)
			continue
		}

		if item, tag, ok := listLine(trimmed); ok {
			flushParagraph()
			if inList && tag != listTag {
				closeList()
			}
			if !inList {
				b.WriteString("<" + tag + ">\n")
				inList = true
				listTag = tag
			}
			b.WriteString("<li>")
			b.WriteString(renderInline(html.EscapeString(item)))
			b.WriteString("</li>\n")
			continue
		}
		closeList()

		if trimmed == "" {
			flushParagraph()
			continue
		}
		paragraph = append(paragraph, html.EscapeString(trimmed))
	}

	flushParagraph()
	closeList()
	if inCode {
		b.WriteString("</code></pre>\n")
	}
	return strings.TrimSpace(b.String())
}

var (
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*]+)\*`)
	codeRe   = regexp.MustCompile("`([^`]+)`")
	linkRe   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	orderRe  = regexp.MustCompile(`^\d+\.\s+(.*)$`)
)

// renderInline applies span-level markup to already-escaped text.
func renderInline(s string) string {
	s = codeRe.ReplaceAllString(s, "<code>$1</code>")
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = italicRe.ReplaceAllString(s, "<em>$1</em>")
	s = linkRe.ReplaceAllString(s, `<a href="$2">$1</a>`)
	return s
}

func headingLine(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 4 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	return level, strings.TrimSpace(line[level:]), true
}

func listLine(line string) (string, string, bool) {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(line[2:]), "ul", true
	}
	if m := orderRe.FindStringSubmatch(line); m != nil {
		return m[1], "ol", true
	}
	return "", "", false
}

// extractAnchorPlaceholders swaps each decision anchor for a one-line token
// so escaping and paragraph handling cannot mangle the callout markup.
func extractAnchorPlaceholders(md string) (string, map[string]room.Anchor) {
	anchors := map[string]room.Anchor{}
	for i, a := range room.ExtractAnchors(md) {
		ph := fmt.Sprintf("@@ANCHOR%d@@", i)
		anchors[ph] = a
		md = strings.ReplaceAll(md, a.Raw, "\n"+ph+"\n")
	}
	return md, anchors
}

func anchorPlaceholder(line string) (string, bool) {
	if strings.HasPrefix(line, "@@ANCHOR") && strings.HasSuffix(line, "@@") {
		return line, true
	}
	return "", false
}

func renderDecisionBlock(a room.Anchor) string {
	var b strings.Builder
	b.WriteString(`<div class="decision"><span class="decision-q">`)
	b.WriteString(html.EscapeString(a.Question))
	b.WriteString("</span>")
	if len(a.Options) > 0 {
		escaped := make([]string, len(a.Options))
		for i, opt := range a.Options {
			escaped[i] = html.EscapeString(opt)
		}
		b.WriteString(`<span class="decision-opts">`)
		b.WriteString(strings.Join(escaped, " / "))
		b.WriteString("</span>")
	}
	b.WriteString("</div>\n")
	return b.String()
}
