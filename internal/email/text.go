package email

import (
	"regexp"
	"strings"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// htmlToText strips tags and decodes the common entities. Good enough for
// classification input; not a general HTML renderer.
func htmlToText(html string) string {
	text := tagPattern.ReplaceAllString(html, " ")

	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")

	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// CleanText builds the classifier input: subject plus body, HTML stripped,
// truncated to the character budget.
func CleanText(subject, plainText, htmlText string, budget int) string {
	body := plainText
	if body == "" && htmlText != "" {
		body = htmlToText(htmlText)
	}
	body = strings.TrimSpace(whitespacePattern.ReplaceAllString(body, " "))

	text := strings.TrimSpace(subject)
	if body != "" {
		if text != "" {
			text += "\n\n"
		}
		text += body
	}

	if budget > 0 && len(text) > budget {
		text = text[:budget]
	}
	return text
}
