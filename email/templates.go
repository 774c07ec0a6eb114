package email

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"channel-digest/pkg/notifier"
)

const (
	textSummaryLen = 200
	digestFooter   = "YouTube Video Analyzer"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	ugc      = bluemonday.UGCPolicy()
)

const digestStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.header { background: #f8f9fa; padding: 20px; border-radius: 8px; margin-bottom: 20px; }
.summary-stats { background: #e3f2fd; padding: 15px; border-radius: 8px; margin-bottom: 20px; }
.channel { margin-bottom: 30px; border-left: 4px solid #007bff; padding-left: 15px; }
.video { background: #f8f9fa; padding: 15px; margin: 10px 0; border-radius: 8px; }
.video-ai { border-left: 4px solid #28a745; }
.video-basic { border-left: 4px solid #6c757d; }
.video-title { font-weight: bold; margin-bottom: 5px; }
.video-meta { color: #666; font-size: 0.9em; margin-bottom: 10px; }
.ai-badge { background: #28a745; color: #fff; padding: 2px 6px; border-radius: 4px; font-size: 0.8em; }
.basic-badge { background: #6c757d; color: #fff; padding: 2px 6px; border-radius: 4px; font-size: 0.8em; }
.footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #ddd; color: #666; font-size: 0.9em; }
a { color: #007bff; text-decoration: none; }
a:hover { text-decoration: underline; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.header, .video { background: #2a2a2a; }
.summary-stats { background: #1e2a38; }
.video-meta, .footer { color: #a0a0a0; }
.footer { border-top-color: #444; }
a { color: #4da3ff; }
}
`

func (s *Sender) heading() string {
	return fmt.Sprintf("🎥 Your YouTube Channel Updates - %s (%s)",
		s.now().In(s.location).Format("2006-01-02"), s.location.String())
}

func (s *Sender) renderText(d *notifier.Digest) string {
	var b strings.Builder

	b.WriteString(s.heading() + "\n\n")
	fmt.Fprintf(&b, "📊 Summary: %d new videos today (%d with AI summaries)\n\n", d.VideoCount(), d.AISummaryCount())

	for _, g := range d.Groups {
		fmt.Fprintf(&b, "📺 %s\n", g.ChannelName)
		fmt.Fprintf(&b, "   %s\n\n", g.ChannelURL)

		for _, v := range g.Videos {
			icon := "📌"
			if v.HasAISummary {
				icon = "🤖"
			}
			fmt.Fprintf(&b, "   %s %s\n", icon, v.Title)
			fmt.Fprintf(&b, "      📅 %s | ⏱️ %s\n", v.PublishedDate(s.location), v.Duration())
			fmt.Fprintf(&b, "      🔗 %s\n", v.URL)

			if v.HasAISummary {
				fmt.Fprintf(&b, "      %s: %s...\n\n", aiLabel(v), truncate(v.Summary, textSummaryLen))
			} else {
				fmt.Fprintf(&b, "      %s\n\n", v.Summary)
			}
		}
	}

	b.WriteString("\n---\n" + digestFooter)
	if s.baseURL != "" {
		b.WriteString("\nManage your subscriptions: " + s.baseURL)
	}
	return b.String()
}

func (s *Sender) renderHTML(d *notifier.Digest) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n" + digestStyle + "</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(s.heading()))
	b.WriteString("<p>Here are today's videos from your subscribed channels:</p>\n")
	b.WriteString("</div>\n")

	fmt.Fprintf(&b, "<div class=\"summary-stats\"><strong>📊 Today's Summary:</strong> %d new videos (%d with AI summaries)</div>\n",
		d.VideoCount(), d.AISummaryCount())

	for _, g := range d.Groups {
		b.WriteString("<div class=\"channel\">\n")
		fmt.Fprintf(&b, "<h3>📺 %s</h3>\n", escapeHTML(g.ChannelName))
		b.WriteString("<p>" + link(g.ChannelURL, g.ChannelURL) + "</p>\n")

		for _, v := range g.Videos {
			class := "video video-basic"
			badge := "<span class=\"basic-badge\">📌 Basic Info</span>"
			if v.HasAISummary {
				class = "video video-ai"
				badge = fmt.Sprintf("<span class=\"ai-badge\">%s</span>", aiLabel(v))
			}

			fmt.Fprintf(&b, "<div class=\"%s\">\n", class)
			fmt.Fprintf(&b, "<div class=\"video-title\">%s %s</div>\n", link(v.URL, v.Title), badge)
			fmt.Fprintf(&b, "<div class=\"video-meta\">📅 %s | ⏱️ %s</div>\n",
				escapeHTML(v.PublishedDate(s.location)), escapeHTML(v.Duration()))
			b.WriteString("<div class=\"video-summary\">\n")
			if v.HasAISummary {
				b.WriteString(renderMarkdown(v.Summary))
			} else {
				b.WriteString("<p>" + escapeHTML(v.Summary) + "</p>")
			}
			b.WriteString("\n</div>\n</div>\n")
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString("<p>" + digestFooter)
	if s.baseURL != "" {
		b.WriteString("<br>" + link(s.baseURL, "Manage your subscriptions"))
	}
	b.WriteString("</p>\n</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func aiLabel(v *notifier.Video) string {
	if v.HasTranscript {
		return "🤖📜 AI Summary"
	}
	return "🤖 AI Summary"
}

// renderMarkdown converts model output to HTML and strips anything
// outside the UGC allowlist. Unparseable input is shown escaped.
func renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "<p>" + escapeHTML(src) + "</p>"
	}
	return ugc.Sanitize(buf.String())
}

// link renders an anchor, or just the escaped text when href is unsafe.
func link(href, text string) string {
	if !isSafeURL(href) {
		return escapeHTML(text)
	}
	return fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(href), escapeHTML(text))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL validates that a URL is safe for use in emails.
// Only allows http, https, and relative URLs. Blocks javascript:, data:, etc.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))

	// Block dangerous protocols
	dangerousProtocols := []string{
		"javascript:",
		"data:",
		"vbscript:",
		"file:",
		"about:",
	}

	for _, protocol := range dangerousProtocols {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}

	// Allow http, https, and relative URLs
	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		strings.HasPrefix(urlStr, "./") ||
		strings.HasPrefix(urlStr, "../") ||
		(!strings.Contains(urlStr, ":") && len(urlStr) > 0) // relative path without protocol
}
