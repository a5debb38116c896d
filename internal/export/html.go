// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/sidernav/internal/session"
)

var (
	codeBlockRegex  = regexp.MustCompile("```([a-zA-Z0-9_+-]*)\n([\\s\\S]*?)```")
	inlineCodeRegex = regexp.MustCompile("`([^`\n]+)`")
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports sessions as a standalone HTML page.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates an HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	return &HTMLExporter{options: opts.withDefaults()}
}

// Export renders cs as HTML. All message text is escaped.
func (e *HTMLExporter) Export(cs *session.ChatSession) ([]byte, error) {
	if err := validate(cs); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	sb.WriteString("<meta charset=\"UTF-8\">\n")
	sb.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", html.EscapeString(cs.Title))
	sb.WriteString("<meta name=\"generator\" content=\"sidernav\">\n")
	sb.WriteString(pageCSS)
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s-theme\">\n<div class=\"container\">\n", e.options.Theme)

	if e.options.IncludeMetadata {
		sb.WriteString(e.renderHeader(cs))
	}

	sb.WriteString("<main class=\"conversation\">\n")
	for _, msg := range cs.Messages {
		sb.WriteString(e.renderMessage(msg))
	}
	sb.WriteString("</main>\n")

	fmt.Fprintf(&sb, "<footer class=\"footer\">Exported from sidernav on %s</footer>\n",
		e.options.Now().Format("January 2, 2006 at 3:04 PM"))
	sb.WriteString("</div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns ".html".
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the HTML MIME type.
func (e *HTMLExporter) MimeType() string {
	return "text/html; charset=utf-8"
}

// =============================================================================
// RENDERING FUNCTIONS
// =============================================================================

func (e *HTMLExporter) renderHeader(cs *session.ChatSession) string {
	var sb strings.Builder
	sb.WriteString("<header class=\"header\">\n")
	fmt.Fprintf(&sb, "<h1>%s</h1>\n", html.EscapeString(cs.Title))
	sb.WriteString("<div class=\"metadata\">")
	fmt.Fprintf(&sb, "<span><strong>Created:</strong> %s</span> ", formatTimestamp(cs.CreatedAt))
	fmt.Fprintf(&sb, "<span><strong>Updated:</strong> %s</span> ", millis(cs.UpdatedAt).Format(time.RFC3339))
	fmt.Fprintf(&sb, "<span><strong>Messages:</strong> %d</span>", len(cs.Messages))
	sb.WriteString("</div>\n</header>\n")
	return sb.String()
}

func (e *HTMLExporter) renderMessage(msg session.Message) string {
	var sb strings.Builder

	class := strings.ToLower(string(msg.Role))
	if msg.Cancelled {
		class += " cancelled"
	}
	fmt.Fprintf(&sb, "<div class=\"message %s\">\n<div class=\"role\">%s", html.EscapeString(class), roleLabel(msg.Role))
	if e.options.IncludeTimestamps {
		fmt.Fprintf(&sb, " <time>%s</time>", formatShortTimestamp(msg.Timestamp))
	}
	if msg.Cancelled {
		sb.WriteString(" <em>(stopped)</em>")
	}
	sb.WriteString("</div>\n<div class=\"content\">")
	sb.WriteString(formatContent(msg.Content))
	sb.WriteString("</div>\n</div>\n")
	return sb.String()
}

// formatContent escapes content, then turns fenced and inline code and
// blank-line separated paragraphs into HTML.
func formatContent(content string) string {
	content = html.EscapeString(strings.TrimSpace(content))

	var blocks []string
	content = codeBlockRegex.ReplaceAllStringFunc(content, func(match string) string {
		parts := codeBlockRegex.FindStringSubmatch(match)
		lang := ""
		if parts[1] != "" {
			lang = fmt.Sprintf("<div class=\"code-lang\">%s</div>", parts[1])
		}
		blocks = append(blocks, fmt.Sprintf("<div class=\"code-block\">%s<pre><code>%s</code></pre></div>",
			lang, strings.TrimRight(parts[2], "\n")))
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	})

	var out []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if strings.HasPrefix(para, "\x00") && strings.HasSuffix(para, "\x00") {
			out = append(out, para)
			continue
		}
		para = inlineCodeRegex.ReplaceAllString(para, "<code>$1</code>")
		out = append(out, "<p>"+strings.ReplaceAll(para, "\n", "<br>")+"</p>")
	}

	result := strings.Join(out, "\n")
	for i, block := range blocks {
		result = strings.Replace(result, fmt.Sprintf("\x00%d\x00", i), block, 1)
	}
	return result
}

const pageCSS = `<style>
body { margin: 0; font: 15px/1.6 -apple-system, "Segoe UI", "PingFang SC", "Microsoft YaHei", sans-serif; }
.dark-theme { background: #1e1e2e; color: #cdd6f4; }
.light-theme { background: #fafafa; color: #1e1e2e; }
.container { max-width: 860px; margin: 0 auto; padding: 24px; }
.header h1 { margin: 0 0 8px; }
.metadata span { margin-right: 16px; opacity: .75; font-size: 13px; }
.message { margin: 16px 0; padding: 12px 16px; border-radius: 8px; }
.dark-theme .user { background: #313244; }
.dark-theme .assistant { background: #181825; }
.light-theme .user { background: #e8eefc; }
.light-theme .assistant { background: #ffffff; border: 1px solid #e0e0e0; }
.cancelled { opacity: .8; border-left: 3px solid #f9a825; }
.role { font-weight: 600; margin-bottom: 6px; }
.role time { font-weight: normal; opacity: .6; font-size: 12px; }
.code-block { margin: 8px 0; }
.code-lang { font-size: 11px; opacity: .6; }
pre { overflow-x: auto; padding: 10px; border-radius: 6px; background: rgba(127,127,127,.15); }
code { font-family: "JetBrains Mono", Menlo, Consolas, monospace; font-size: 13px; }
.footer { margin-top: 32px; font-size: 12px; opacity: .6; text-align: center; }
</style>
`
