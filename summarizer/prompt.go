package summarizer

import (
	"fmt"
	"strings"
)

// Prompt renders the summary instructions for one video.
func Prompt(req Request) string {
	title := fallback(req.Title, "Unknown Title")
	hasTranscript := strings.TrimSpace(req.Transcript) != ""

	var info strings.Builder
	fmt.Fprintf(&info, "**Title:** %s\n", title)
	fmt.Fprintf(&info, "**Channel:** %s\n", fallback(req.Uploader, "Unknown uploader"))
	fmt.Fprintf(&info, "**Duration:** %s\n", fallback(req.Duration, "Unknown duration"))
	fmt.Fprintf(&info, "**Description:** %s", fallback(req.Description, "No description available"))

	instruction := "Based on the available video information:"
	focus := ""
	if hasTranscript {
		fmt.Fprintf(&info, "\n**Transcript:** %s", req.Transcript)
		instruction = "Based on the video title, description, and full transcript provided:"
		focus = "Focus on the transcript content when available. "
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Please provide a well-formatted markdown summary of this YouTube video %s\n\n", instruction)
	b.WriteString(info.String())
	b.WriteString(`

Please provide a structured response with:

## Summary
A brief 2-3 sentence overview of what this video is about.

## Key Topics
- List the main topics or themes covered
- Use bullet points for clarity

## Target Audience
Who would find this video most interesting or useful?

## Key Takeaways
- Important points or insights from the video
- Actionable information if applicable

Use markdown formatting (headings, bold, bullet points) to make the response clear and readable. `)
	b.WriteString(focus)
	b.WriteString("Keep the response under 500 words and focus on the most important information.\n")
	return b.String()
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
