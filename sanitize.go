package didpay

import (
	"strings"

	"golang.org/x/net/html"
)

// Sanitizer strips unsafe content from untrusted string fields before they are parsed.
type Sanitizer interface {
	Sanitize(s string) string
}

// HTMLSanitizer drops all markup, keeping only text content. The contents of
// script and style elements are dropped entirely.
type HTMLSanitizer struct{}

var _ Sanitizer = HTMLSanitizer{}

func (HTMLSanitizer) Sanitize(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return strings.TrimSpace(s)
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(sb.String())
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTextElement(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawTextElement(name) && skip > 0 {
				skip--
			}
		}
	}
}

func isRawTextElement(name []byte) bool {
	switch string(name) {
	case "script", "style", "iframe", "noscript":
		return true
	}
	return false
}
