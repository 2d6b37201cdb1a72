// Package parser turns forwarded brewery confirmation emails into orders.
package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"beerbot/internal/model"
)

// Extractor parses one brewery's confirmation email layout.
type Extractor interface {
	// ExtractOrder returns nil unless both the order number and at least one
	// item were found.
	ExtractOrder(body string) *model.Order
	// ExtractPurchaser returns the first line of the billing address block.
	ExtractPurchaser(body string) (string, bool)
}

var lineBreakRe = regexp.MustCompile(`(?i)<br\s*/?>`)

// normalizeLineBreaks rewrites <br> tags and CRLF so that block text can be
// split on "\n".
func normalizeLineBreaks(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return lineBreakRe.ReplaceAllString(body, "\n")
}

func loadDocument(body string) (*goquery.Document, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, false
	}
	return doc, true
}

// ownText concatenates the text nodes that are direct children of the
// selection, ignoring nested elements.
func ownText(s *goquery.Selection) string {
	var sb strings.Builder
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
	}
	return sb.String()
}

func findByOwnText(doc *goquery.Document, selector, needle string) *goquery.Selection {
	return doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(ownText(s), needle)
	})
}

var blockElements = map[string]bool{
	"address": true, "blockquote": true, "br": true, "div": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "hr": true, "li": true, "p": true,
	"table": true, "td": true, "th": true, "tr": true,
}

// documentText renders the document as plain text with entities decoded and
// a line break around every block element, so that text from neighbouring
// blocks never runs together.
func documentText(doc *goquery.Document) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[n.Data]
		if block {
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			sb.WriteByte('\n')
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return sb.String()
}

func firstLine(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, true
		}
	}
	return "", false
}
