package whatsapp

import "regexp"

var (
	mdBold    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	mdItalic  = regexp.MustCompile(`__(.*?)__`)
	mdHeading = regexp.MustCompile(`(?m)^#+\s+`)
)

// FormatMarkdown converts common markdown constructs to WhatsApp formatting:
// **bold** becomes *bold*, __italic__ becomes _italic_, and heading markers
// are stripped.
func FormatMarkdown(text string) string {
	text = mdBold.ReplaceAllString(text, `*$1*`)
	text = mdItalic.ReplaceAllString(text, `_$1_`)
	text = mdHeading.ReplaceAllString(text, "")
	return text
}
