package parser

import (
	"html"
	"regexp"
	"strings"
)

// A forwarded message carries the original envelope as text in its body.
// "Reply-To:" and "Delivered-To:" must not count as a To: line.
var (
	toAngleRe = regexp.MustCompile(`(?i)(?:^|[^\w-])To:[^<>\n]*<(?P<email>[^<>\s]+@[^<>\s]+)>`)
	toBareRe  = regexp.MustCompile(`(?i)(?:^|[^\w-])To:\s*(?P<email>[^\s<>"']+@[^\s<>"']+)`)
	fromRe    = regexp.MustCompile(`(?i)(?:^|[^\w-])From:[^<\n]*<(?P<email>[^<>\s]+@[^<>\s]+)>`)
)

const addressTrim = ` <>"'.,;:()[]`

// ExtractOriginalRecipient returns the lower-cased address of the first To:
// line of the forwarded message, or "" when there is none.
func ExtractOriginalRecipient(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	for _, text := range searchTexts(body) {
		for _, re := range []*regexp.Regexp{toAngleRe, toBareRe} {
			if m := re.FindStringSubmatch(text); m != nil {
				return cleanAddress(m[re.SubexpIndex("email")])
			}
		}
	}
	return ""
}

// ExtractOriginalSender returns the lower-cased sender of the innermost
// forwarded message. With several From: blocks the last one wins; without
// any, the first mailto: link is used.
func ExtractOriginalSender(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	for _, text := range searchTexts(body) {
		matches := fromRe.FindAllStringSubmatch(text, -1)
		if len(matches) > 0 {
			last := matches[len(matches)-1]
			return cleanAddress(last[fromRe.SubexpIndex("email")])
		}
	}

	doc, ok := loadDocument(body)
	if !ok {
		return ""
	}
	href, ok := doc.Find(`a[href^="mailto:"]`).First().Attr("href")
	if !ok {
		return ""
	}
	addr := strings.TrimPrefix(href, "mailto:")
	addr, _, _ = strings.Cut(addr, "?")
	return cleanAddress(addr)
}

// searchTexts returns the body as rendered document text (entities decoded,
// tags dropped) followed by the raw body with only entities decoded. The
// second form keeps addresses written as literal "<a@b.com>" which an HTML
// parser would swallow as a tag.
func searchTexts(body string) []string {
	texts := make([]string, 0, 2)
	if doc, ok := loadDocument(normalizeLineBreaks(body)); ok {
		texts = append(texts, documentText(doc))
	}
	return append(texts, html.UnescapeString(body))
}

func cleanAddress(addr string) string {
	return strings.ToLower(strings.Trim(addr, addressTrim))
}
